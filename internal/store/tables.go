package store

// Table names shared between the gateway and the controller process.
const (
	TableControllerMessages = "controller_messages"
	TablePendingMessages    = "pending_mqtt_messages"
	TableHealthCheck        = "health_check"
	TableArchive            = "controller_archive"
	TableLogBuffer          = "log_buffer"
)

// QueueSchema creates the gateway-owned staging table. controller_messages
// and health_check are created by the controller; the gateway treats them as
// empty until they appear.
var QueueSchema = []string{
	`CREATE TABLE IF NOT EXISTS pending_mqtt_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT,
		message TEXT
	);`,
}

var ArchiveSchema = []string{
	`CREATE TABLE IF NOT EXISTS controller_archive (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp_ms INTEGER,
		message TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS controller_archive_ts_index ON controller_archive (timestamp_ms);`,
}

var LogBufferSchema = []string{
	`CREATE TABLE IF NOT EXISTS log_buffer (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		log_level TEXT,
		message TEXT,
		timestamp_ms INTEGER
	);`,
}

// QueuedMessage is a row of controller_messages or pending_mqtt_messages.
type QueuedMessage struct {
	ID      int64
	Type    string
	Message string
}

// BufferedLog is a row of log_buffer.
type BufferedLog struct {
	ID          int64
	Level       string
	Message     string
	TimestampMS int64
}

// ArchiveRow is a row of controller_archive.
type ArchiveRow struct {
	ID          int64
	TimestampMS int64
	Message     string
}

// NextControllerMessage returns the oldest controller message, if any.
func (d *DB) NextControllerMessage() (*QueuedMessage, error) {
	return d.nextQueued(TableControllerMessages)
}

// NextPendingMessage returns the oldest staged message, if any.
func (d *DB) NextPendingMessage() (*QueuedMessage, error) {
	return d.nextQueued(TablePendingMessages)
}

func (d *DB) nextQueued(table string) (*QueuedMessage, error) {
	rows, err := d.Query("SELECT id, type, message FROM " + table + " ORDER BY id LIMIT 1")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || len(rows[0]) < 3 {
		return nil, nil
	}
	return &QueuedMessage{
		ID:      asInt64(rows[0][0]),
		Type:    asString(rows[0][1]),
		Message: asString(rows[0][2]),
	}, nil
}

// StagePendingMessage copies a controller message into the staging table.
func (d *DB) StagePendingMessage(msgType, message string) error {
	_, err := d.Exec("INSERT INTO pending_mqtt_messages (type, message) VALUES (?, ?)", msgType, message)
	return err
}

func (d *DB) DeleteControllerMessage(id int64) error {
	_, err := d.Exec("DELETE FROM controller_messages WHERE id = ?", id)
	return err
}

func (d *DB) DeletePendingMessage(id int64) error {
	_, err := d.Exec("DELETE FROM pending_mqtt_messages WHERE id = ?", id)
	return err
}

// HealthCheckTS returns the controller heartbeat timestamp, or 0 when the
// controller has never written one.
func (d *DB) HealthCheckTS() (int64, error) {
	has, err := d.HasRows(TableHealthCheck)
	if err != nil || !has {
		return 0, err
	}
	rows, err := d.Query("SELECT timestamp_ms FROM health_check WHERE id = 1")
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return 0, nil
	}
	return asInt64(rows[0][0]), nil
}

// ArchiveInsert stores one telemetry record in the archive.
func (d *DB) ArchiveInsert(timestampMS int64, values string) error {
	_, err := d.Exec("INSERT INTO controller_archive (timestamp_ms, message) VALUES (?, ?)", timestampMS, values)
	return err
}

// ArchiveRange returns up to limit archive rows with timestamp_ms in the
// exclusive range (start, end), ordered by timestamp then id.
func (d *DB) ArchiveRange(startMS, endMS int64, limit int) ([]ArchiveRow, error) {
	rows, err := d.Query(`SELECT id, timestamp_ms, message
		FROM controller_archive
		WHERE timestamp_ms > ? AND timestamp_ms < ?
		ORDER BY timestamp_ms ASC, id ASC LIMIT ?`, startMS, endMS, limit)
	if err != nil {
		return nil, err
	}
	return archiveRows(rows), nil
}

// ArchiveRangeAfter pages through the exclusive (start, end) window,
// returning rows that sort strictly after the (afterTS, afterID) cursor.
// The id tiebreak keeps rows sharing a timestamp from being skipped when a
// batch boundary falls inside the run.
func (d *DB) ArchiveRangeAfter(startMS, endMS, afterTS, afterID int64, limit int) ([]ArchiveRow, error) {
	rows, err := d.Query(`SELECT id, timestamp_ms, message
		FROM controller_archive
		WHERE timestamp_ms > ? AND timestamp_ms < ?
		AND (timestamp_ms > ? OR (timestamp_ms = ? AND id > ?))
		ORDER BY timestamp_ms ASC, id ASC LIMIT ?`,
		startMS, endMS, afterTS, afterTS, afterID, limit)
	if err != nil {
		return nil, err
	}
	return archiveRows(rows), nil
}

func archiveRows(rows [][]any) []ArchiveRow {
	out := make([]ArchiveRow, 0, len(rows))
	for _, r := range rows {
		if len(r) < 3 {
			continue
		}
		out = append(out, ArchiveRow{
			ID:          asInt64(r[0]),
			TimestampMS: asInt64(r[1]),
			Message:     asString(r[2]),
		})
	}
	return out
}

// ArchiveDiscard deletes archive rows in the exclusive range (start, end)
// and returns the number of rows removed.
func (d *DB) ArchiveDiscard(startMS, endMS int64) (int64, error) {
	return d.Exec("DELETE FROM controller_archive WHERE timestamp_ms > ? AND timestamp_ms < ?", startMS, endMS)
}

// BufferLog appends one unsent log record.
func (d *DB) BufferLog(level, message string, timestampMS int64) error {
	_, err := d.Exec("INSERT INTO log_buffer (log_level, message, timestamp_ms) VALUES (?, ?, ?)",
		level, message, timestampMS)
	return err
}

// NextBufferedLog returns the oldest buffered log record, if any.
func (d *DB) NextBufferedLog() (*BufferedLog, error) {
	rows, err := d.Query("SELECT id, log_level, message, timestamp_ms FROM log_buffer ORDER BY id LIMIT 1")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || len(rows[0]) < 4 {
		return nil, nil
	}
	return &BufferedLog{
		ID:          asInt64(rows[0][0]),
		Level:       asString(rows[0][1]),
		Message:     asString(rows[0][2]),
		TimestampMS: asInt64(rows[0][3]),
	}, nil
}

func (d *DB) DeleteBufferedLog(id int64) error {
	_, err := d.Exec("DELETE FROM log_buffer WHERE id = ?", id)
	return err
}
