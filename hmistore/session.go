package hmistore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"alarmsync/hmi"
)

type session struct {
	tx     *sql.Tx
	hmi    string
	closed bool
}

func (s *session) check() error {
	if s.closed {
		return hmi.ErrClosed
	}
	return nil
}

func (s *session) Tags(ctx context.Context) ([]hmi.Tag, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.tx.QueryContext(ctx, `
SELECT id, name, plc_tag, connection, tag_table
FROM tags
WHERE hmi = ?
ORDER BY id ASC
`, s.hmi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []hmi.Tag
	for rows.Next() {
		var t hmi.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.PlcTag, &t.Connection, &t.Table); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *session) Alarms(ctx context.Context) ([]hmi.Alarm, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.tx.QueryContext(ctx, `
SELECT name, raised_state_tag, class, origin
FROM alarms
WHERE hmi = ?
ORDER BY rowid ASC
`, s.hmi)
	if err != nil {
		return nil, err
	}
	var out []hmi.Alarm
	index := make(map[string]int)
	for rows.Next() {
		var a hmi.Alarm
		if err := rows.Scan(&a.Name, &a.RaisedStateTag, &a.Class, &a.Origin); err != nil {
			rows.Close()
			return nil, err
		}
		index[a.Name] = len(out)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	texts, err := s.tx.QueryContext(ctx, `
SELECT alarm, lang, text
FROM alarm_texts
WHERE hmi = ?
`, s.hmi)
	if err != nil {
		return nil, err
	}
	defer texts.Close()
	for texts.Next() {
		var alarm, lang, text string
		if err := texts.Scan(&alarm, &lang, &text); err != nil {
			return nil, err
		}
		i, ok := index[alarm]
		if !ok {
			continue
		}
		if out[i].Texts == nil {
			out[i].Texts = make(map[string]string)
		}
		out[i].Texts[lang] = text
	}
	return out, texts.Err()
}

func (s *session) names(ctx context.Context, table string) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.tx.QueryContext(ctx, `SELECT name FROM `+table+` WHERE hmi = ? ORDER BY name ASC`, s.hmi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *session) TagTables(ctx context.Context) ([]string, error) {
	return s.names(ctx, "tag_tables")
}

func (s *session) AlarmClasses(ctx context.Context) ([]string, error) {
	return s.names(ctx, "alarm_classes")
}

func (s *session) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var n int
	if err := s.tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *session) insertName(ctx context.Context, table, kind, name string) error {
	if err := s.check(); err != nil {
		return err
	}
	found, err := s.exists(ctx, `SELECT COUNT(1) FROM `+table+` WHERE hmi = ? AND name = ?`, s.hmi, name)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%s %q: %w", kind, name, hmi.ErrExists)
	}
	_, err = s.tx.ExecContext(ctx, `INSERT INTO `+table+`(hmi, name) VALUES(?, ?)`, s.hmi, name)
	return err
}

func (s *session) CreateTagTable(ctx context.Context, name string) error {
	return s.insertName(ctx, "tag_tables", "tag table", name)
}

func (s *session) CreateAlarmClass(ctx context.Context, name string) error {
	return s.insertName(ctx, "alarm_classes", "alarm class", name)
}

func (s *session) checkTag(ctx context.Context, t hmi.Tag) error {
	taken, err := s.exists(ctx, `SELECT COUNT(1) FROM tags WHERE hmi = ? AND name = ? AND id <> ?`, s.hmi, t.Name, t.ID)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("tag %q: %w", t.Name, hmi.ErrExists)
	}
	if t.Table == "" {
		return nil
	}
	found, err := s.exists(ctx, `SELECT COUNT(1) FROM tag_tables WHERE hmi = ? AND name = ?`, s.hmi, t.Table)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("tag table %q: %w", t.Table, hmi.ErrNotFound)
	}
	return nil
}

func (s *session) CreateTag(ctx context.Context, t hmi.Tag) (hmi.Tag, error) {
	if err := s.check(); err != nil {
		return hmi.Tag{}, err
	}
	t.ID = 0
	if err := s.checkTag(ctx, t); err != nil {
		return hmi.Tag{}, err
	}
	res, err := s.tx.ExecContext(ctx, `
INSERT INTO tags(hmi, name, plc_tag, connection, tag_table)
VALUES(?, ?, ?, ?, ?)
`, s.hmi, t.Name, t.PlcTag, t.Connection, t.Table)
	if err != nil {
		return hmi.Tag{}, err
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return hmi.Tag{}, err
	}
	return t, nil
}

func (s *session) UpdateTag(ctx context.Context, t hmi.Tag) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.checkTag(ctx, t); err != nil {
		return err
	}
	res, err := s.tx.ExecContext(ctx, `
UPDATE tags SET name = ?, plc_tag = ?, connection = ?, tag_table = ?
WHERE hmi = ? AND id = ?
`, t.Name, t.PlcTag, t.Connection, t.Table, s.hmi, t.ID)
	if err != nil {
		return err
	}
	return affected(res, fmt.Sprintf("tag %d", t.ID))
}

func (s *session) DeleteTag(ctx context.Context, id int64) error {
	if err := s.check(); err != nil {
		return err
	}
	res, err := s.tx.ExecContext(ctx, `DELETE FROM tags WHERE hmi = ? AND id = ?`, s.hmi, id)
	if err != nil {
		return err
	}
	return affected(res, fmt.Sprintf("tag %d", id))
}

func (s *session) writeTexts(ctx context.Context, a hmi.Alarm) error {
	if _, err := s.tx.ExecContext(ctx, `DELETE FROM alarm_texts WHERE hmi = ? AND alarm = ?`, s.hmi, a.Name); err != nil {
		return err
	}
	for lang, text := range a.Texts {
		if _, err := s.tx.ExecContext(ctx, `
INSERT INTO alarm_texts(hmi, alarm, lang, text) VALUES(?, ?, ?, ?)
`, s.hmi, a.Name, lang, text); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) CreateAlarm(ctx context.Context, a hmi.Alarm) error {
	if err := s.check(); err != nil {
		return err
	}
	found, err := s.exists(ctx, `SELECT COUNT(1) FROM alarms WHERE hmi = ? AND name = ?`, s.hmi, a.Name)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("alarm %q: %w", a.Name, hmi.ErrExists)
	}
	if _, err := s.tx.ExecContext(ctx, `
INSERT INTO alarms(hmi, name, raised_state_tag, class, origin) VALUES(?, ?, ?, ?, ?)
`, s.hmi, a.Name, a.RaisedStateTag, a.Class, a.Origin); err != nil {
		return err
	}
	return s.writeTexts(ctx, a)
}

func (s *session) UpdateAlarm(ctx context.Context, a hmi.Alarm) error {
	if err := s.check(); err != nil {
		return err
	}
	res, err := s.tx.ExecContext(ctx, `
UPDATE alarms SET raised_state_tag = ?, class = ?, origin = ?
WHERE hmi = ? AND name = ?
`, a.RaisedStateTag, a.Class, a.Origin, s.hmi, a.Name)
	if err != nil {
		return err
	}
	if err := affected(res, fmt.Sprintf("alarm %q", a.Name)); err != nil {
		return err
	}
	return s.writeTexts(ctx, a)
}

func (s *session) DeleteAlarm(ctx context.Context, name string) error {
	if err := s.check(); err != nil {
		return err
	}
	res, err := s.tx.ExecContext(ctx, `DELETE FROM alarms WHERE hmi = ? AND name = ?`, s.hmi, name)
	if err != nil {
		return err
	}
	if err := affected(res, fmt.Sprintf("alarm %q", name)); err != nil {
		return err
	}
	_, err = s.tx.ExecContext(ctx, `DELETE FROM alarm_texts WHERE hmi = ? AND alarm = ?`, s.hmi, name)
	return err
}

func (s *session) Commit() error {
	if err := s.check(); err != nil {
		return err
	}
	s.closed = true
	return s.tx.Commit()
}

func (s *session) Rollback() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func affected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, hmi.ErrNotFound)
	}
	return nil
}
