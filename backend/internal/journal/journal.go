package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-sql-driver/mysql"

	"codeRoomServer/backend/internal/ordering"
)

// 期望的表结构（建表语句放在部署侧执行）：
//
// CREATE TABLE room_messages (
//   room_id        VARCHAR(64)  NOT NULL,
//   sequence       BIGINT       NOT NULL,
//   type           VARCHAR(32)  NOT NULL,
//   user_id        VARCHAR(64)  NOT NULL,
//   username       VARCHAR(64),
//   payload        JSON,
//   correlation_id VARCHAR(128),
//   client_ts      DATETIME(3),
//   server_ts      DATETIME(3)  NOT NULL,
//   status         VARCHAR(16)  NOT NULL,
//   process_error  TEXT,
//   processed_at   DATETIME(3),
//   PRIMARY KEY (room_id, sequence),
//   KEY idx_room_corr (room_id, correlation_id),
//   KEY idx_server_ts (server_ts)
// );

// Entry 日志中的一条消息记录
type Entry struct {
	RoomID        string    `json:"roomId"`
	Sequence      int64     `json:"sequence"`
	Type          string    `json:"type"`
	UserID        string    `json:"userId"`
	Username      string    `json:"username,omitempty"`
	Payload       []byte    `json:"payload,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	ServerTS      time.Time `json:"serverTimestamp"`
	Status        string    `json:"status"`
	ProcessError  string    `json:"processError,omitempty"`
}

// RoomStats 单房间的日志统计
type RoomStats struct {
	RoomID      string `json:"roomId"`
	Total       int64  `json:"total"`
	Processed   int64  `json:"processed"`
	Errored     int64  `json:"errored"`
	Skipped     int64  `json:"skipped"`
	MinSequence int64  `json:"minSequence"`
	MaxSequence int64  `json:"maxSequence"`
}

// Journal 按房间定序的持久追加日志（MessageJournal），支撑回放与缺口分析
type Journal struct{ db *sql.DB }

func NewJournal(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// RecordMessage 追加一条已接受的信封。(room_id, sequence) 唯一；
// 重复插入按幂等处理（MySQL 1062），与定序器的去重各自独立。
func (j *Journal) RecordMessage(ctx context.Context, env ordering.Envelope) error {
	status := env.Status
	if status == "" {
		status = ordering.StatusBuffered
	}
	var clientTS interface{}
	if !env.ClientTimestamp.IsZero() {
		clientTS = env.ClientTimestamp
	}
	serverTS := env.ServerTimestamp
	if serverTS.IsZero() {
		serverTS = time.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO room_messages
		 (room_id, sequence, type, user_id, username, payload, correlation_id, client_ts, server_ts, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		env.RoomID, env.Sequence, env.Type, env.UserID, env.Username,
		nullableBytes(env.Payload), env.CorrelationID, clientTS, serverTS, status,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return fmt.Errorf("record message room=%s seq=%d: %w", env.RoomID, env.Sequence, err)
	}
	return nil
}

// MarkProcessed 迁移到终态：processError 为空进 processed，否则进 error。
// 终态不再迁移，所以 WHERE 限定非终态行。
func (j *Journal) MarkProcessed(ctx context.Context, roomID string, sequence int64, processError string) error {
	status := ordering.StatusProcessed
	if processError != "" {
		status = ordering.StatusError
	}
	_, err := j.db.ExecContext(ctx,
		`UPDATE room_messages
		 SET status = ?, process_error = NULLIF(?, ''), processed_at = NOW(3)
		 WHERE room_id = ? AND sequence = ? AND status = ?`,
		status, processError, roomID, sequence, ordering.StatusBuffered,
	)
	if err != nil {
		return fmt.Errorf("mark processed room=%s seq=%d: %w", roomID, sequence, err)
	}
	return nil
}

// MarkSkipped 强推恢复时把被跳过的序号落成 skipped 终态（若有记录）
func (j *Journal) MarkSkipped(ctx context.Context, roomID string, sequence int64) error {
	_, err := j.db.ExecContext(ctx,
		`UPDATE room_messages
		 SET status = ?, processed_at = NOW(3)
		 WHERE room_id = ? AND sequence = ? AND status = ?`,
		ordering.StatusSkipped, roomID, sequence, ordering.StatusBuffered,
	)
	if err != nil {
		return fmt.Errorf("mark skipped room=%s seq=%d: %w", roomID, sequence, err)
	}
	return nil
}

// GetSequenceRange 有序回放片段：只取 processed，按 sequence 升序
func (j *Journal) GetSequenceRange(ctx context.Context, roomID string, from, to int64) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT room_id, sequence, type, user_id, COALESCE(username, ''), COALESCE(payload, ''),
		        COALESCE(correlation_id, ''), server_ts, status, COALESCE(process_error, '')
		 FROM room_messages
		 WHERE room_id = ? AND sequence BETWEEN ? AND ? AND status = ?
		 ORDER BY sequence ASC`,
		roomID, from, to, ordering.StatusProcessed,
	)
	if err != nil {
		return nil, fmt.Errorf("sequence range room=%s: %w", roomID, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// History 分页的日志切片（全部状态），新消息在前
func (j *Journal) History(ctx context.Context, roomID string, limit, offset int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT room_id, sequence, type, user_id, COALESCE(username, ''), COALESCE(payload, ''),
		        COALESCE(correlation_id, ''), server_ts, status, COALESCE(process_error, '')
		 FROM room_messages
		 WHERE room_id = ?
		 ORDER BY sequence DESC
		 LIMIT ? OFFSET ?`,
		roomID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("history room=%s: %w", roomID, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// FindSequenceGaps 返回 [from,to] 中缺失的连续子区间。
// 查出已有序号后在内存里算缺口（见 gaps.go），比自联结 SQL 直观得多。
func (j *Journal) FindSequenceGaps(ctx context.Context, roomID string, from, to int64) ([]Gap, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT sequence FROM room_messages
		 WHERE room_id = ? AND sequence BETWEEN ? AND ?
		 ORDER BY sequence ASC`,
		roomID, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("find gaps room=%s: %w", roomID, err)
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var s int64
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		seqs = append(seqs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return MissingRanges(seqs, from, to), nil
}

// FindDuplicates 同一 correlationId 命中的全部记录（客户端重发排查用）
func (j *Journal) FindDuplicates(ctx context.Context, roomID, correlationID string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT room_id, sequence, type, user_id, COALESCE(username, ''), COALESCE(payload, ''),
		        COALESCE(correlation_id, ''), server_ts, status, COALESCE(process_error, '')
		 FROM room_messages
		 WHERE room_id = ? AND correlation_id = ?
		 ORDER BY sequence ASC`,
		roomID, correlationID,
	)
	if err != nil {
		return nil, fmt.Errorf("find duplicates room=%s: %w", roomID, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func (j *Journal) GetRoomStats(ctx context.Context, roomID string) (RoomStats, error) {
	var st RoomStats
	st.RoomID = roomID
	err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(status = ?), 0),
		        COALESCE(SUM(status = ?), 0),
		        COALESCE(SUM(status = ?), 0),
		        COALESCE(MIN(sequence), 0),
		        COALESCE(MAX(sequence), 0)
		 FROM room_messages WHERE room_id = ?`,
		ordering.StatusProcessed, ordering.StatusError, ordering.StatusSkipped, roomID,
	).Scan(&st.Total, &st.Processed, &st.Errored, &st.Skipped, &st.MinSequence, &st.MaxSequence)
	if err != nil {
		return RoomStats{}, fmt.Errorf("room stats room=%s: %w", roomID, err)
	}
	return st, nil
}

// CleanOldMessages 删除保留窗口之外的记录；roomID 为空时作用于全部房间
func (j *Journal) CleanOldMessages(ctx context.Context, roomID string, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	var res sql.Result
	var err error
	if roomID == "" {
		res, err = j.db.ExecContext(ctx,
			`DELETE FROM room_messages WHERE server_ts < ?`, cutoff)
	} else {
		res, err = j.db.ExecContext(ctx,
			`DELETE FROM room_messages WHERE room_id = ? AND server_ts < ?`, roomID, cutoff)
	}
	if err != nil {
		return 0, fmt.Errorf("clean old messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// StartJanitor 后台保留期清理：独立于显式 cleanup 调用，周期性过期旧记录。
// 返回的函数用于停止。
func (j *Journal) StartJanitor(interval time.Duration, retentionDays int) (stop func()) {
	if interval <= 0 {
		interval = time.Hour
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				n, err := j.CleanOldMessages(ctx, "", retentionDays)
				cancel()
				if err != nil {
					log.Printf("warn: journal janitor failed: %v", err)
				} else if n > 0 {
					log.Printf("journal janitor: expired %d messages", n)
				}
			}
		}
	}()
	return func() { close(done) }
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var payload []byte
		if err := rows.Scan(&e.RoomID, &e.Sequence, &e.Type, &e.UserID, &e.Username,
			&payload, &e.CorrelationID, &e.ServerTS, &e.Status, &e.ProcessError); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			e.Payload = payload
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
