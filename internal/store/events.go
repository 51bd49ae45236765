package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/basket/threadloom/internal/bus"
)

// Upsert persists one or more events plus every space, channel, user
// and attachment reachable from them, in a single transaction. Events
// are written in topological order so a parent row exists before its
// child's foreign key is checked. Re-upserting an existing id updates
// only the mutable fields (detail, last_processed_at).
func (s *Store) Upsert(ctx context.Context, events ...*Event) error {
	if len(events) == 0 {
		return nil
	}

	sorted, broken := topoSort(events)

	var instrs []Instruction
	seenSpaces := map[string]bool{}
	seenChannels := map[string]bool{}
	seenUsers := map[string]bool{}
	seenFiles := map[string]bool{}
	seenAttachments := map[string]bool{}

	for _, ev := range sorted {
		if ev.Channel != nil && ev.Channel.Space != nil && !seenSpaces[ev.Channel.Space.ID] {
			seenSpaces[ev.Channel.Space.ID] = true
			sp := ev.Channel.Space
			instrs = append(instrs, Write(`
				INSERT INTO spaces (id, name, description)
				VALUES (?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description;
			`, sp.ID, sp.Name, nullable(sp.Description)))
		}
		if ev.Channel != nil && !seenChannels[ev.Channel.ID] {
			seenChannels[ev.Channel.ID] = true
			ch := ev.Channel
			var spaceID any
			if ch.Space != nil {
				spaceID = ch.Space.ID
			}
			instrs = append(instrs, Write(`
				INSERT INTO channels (id, space_id, name, description)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET name = excluded.name, description = excluded.description;
			`, ch.ID, spaceID, ch.Name, nullable(ch.Description)))
		}
		if ev.User != nil && !seenUsers[ev.User.ID] {
			seenUsers[ev.User.ID] = true
			instrs = append(instrs, Write(`
				INSERT INTO users (id, name)
				VALUES (?, ?)
				ON CONFLICT(id) DO UPDATE SET name = excluded.name;
			`, ev.User.ID, ev.User.Name))
		}
	}

	for _, ev := range sorted {
		if !ValidEventType(ev.Type) {
			return fmt.Errorf("event %s has unknown type %q", ev.ID, ev.Type)
		}
		detail, err := EncodeDetail(ev.Type, ev.Detail)
		if err != nil {
			return fmt.Errorf("event %s: %w", ev.ID, err)
		}
		createdAt := ev.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		var parentID, channelID, userID any
		if ev.Parent != nil && !broken[ev.ID] {
			parentID = ev.Parent.ID
		}
		if ev.Channel != nil {
			channelID = ev.Channel.ID
		}
		if ev.User != nil {
			userID = ev.User.ID
		}
		var lastProcessed any
		if ev.LastProcessedAt != nil {
			lastProcessed = ev.LastProcessedAt.UTC()
		}
		// Creation-time fields are immutable on conflict.
		instrs = append(instrs, Write(`
			INSERT INTO events (id, type, detail, parent_id, channel_id, user_id, created_at, last_processed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				detail = excluded.detail,
				last_processed_at = COALESCE(excluded.last_processed_at, events.last_processed_at);
		`, ev.ID, string(ev.Type), detail, parentID, channelID, userID, createdAt, lastProcessed))

		for _, a := range ev.Attachments {
			if a == nil || seenAttachments[a.ID] {
				continue
			}
			seenAttachments[a.ID] = true
			var rawID, compressedID any
			for _, f := range []*FileRef{a.Raw, a.Compressed} {
				if f == nil || seenFiles[f.ID] {
					continue
				}
				seenFiles[f.ID] = true
				instrs = append(instrs, Write(`
					INSERT INTO files (id, mime_type, path, size_bytes)
					VALUES (?, ?, ?, ?)
					ON CONFLICT(id) DO UPDATE SET mime_type = excluded.mime_type, path = excluded.path, size_bytes = excluded.size_bytes;
				`, f.ID, f.MimeType, f.Path, f.Size))
			}
			if a.Raw != nil {
				rawID = a.Raw.ID
			}
			if a.Compressed != nil {
				compressedID = a.Compressed.ID
			}
			instrs = append(instrs, Write(`
				INSERT INTO attachments (id, source_url, raw_file_id, compressed_file_id, parent_id)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET raw_file_id = excluded.raw_file_id, compressed_file_id = excluded.compressed_file_id;
			`, a.ID, a.SourceURL, rawID, compressedID, ev.ID))
		}
	}

	outcome := s.Commit(ctx, instrs...)
	if !outcome.OK() {
		return fmt.Errorf("upsert events: %w", outcome.Failure)
	}

	if s.bus != nil {
		for _, ev := range events {
			channelID := ""
			if ev.Channel != nil {
				channelID = ev.Channel.ID
			}
			s.bus.Publish(bus.TopicEventStored, bus.EventStoredPayload{
				EventID:   ev.ID,
				ChannelID: channelID,
				Type:      string(ev.Type),
			})
		}
	}
	return nil
}

// eventRow is the flat scan target for one joined event row.
type eventRow struct {
	event    *Event
	parentID string
}

// GetEvents returns fully hydrated events in ascending creation order.
// Channel, space, user and attachments arrive from one join query per
// hydration level; parents are resolved level by level with a seen-set,
// so each id is loaded at most once even when the graph contains a
// cycle.
func (s *Store) GetEvents(ctx context.Context, ids ...string) ([]*Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	loaded := make(map[string]*eventRow)
	pending := dedupe(ids)

	for len(pending) > 0 {
		rows, err := s.queryEventRows(ctx, pending)
		if err != nil {
			return nil, err
		}
		if err := s.attachTo(ctx, rows); err != nil {
			return nil, err
		}
		var next []string
		for id, row := range rows {
			loaded[id] = row
			if row.parentID != "" {
				if _, ok := loaded[row.parentID]; !ok {
					next = append(next, row.parentID)
				}
			}
		}
		// Ids that did not resolve to rows must not be re-requested.
		next = filterUnloaded(next, loaded)
		pending = next
	}

	// Link parent pointers.
	for _, row := range loaded {
		if row.parentID == "" {
			continue
		}
		if parent, ok := loaded[row.parentID]; ok {
			row.event.Parent = parent.event
		}
	}

	var out []*Event
	for _, id := range dedupe(ids) {
		if row, ok := loaded[id]; ok {
			out = append(out, row.event)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetHistory resolves every event id recorded for a channel and
// delegates to GetEvents.
func (s *Store) GetHistory(ctx context.Context, channelID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM events
		WHERE channel_id = ?
		ORDER BY created_at ASC, id ASC;
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("query channel history: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan history id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history rows: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.GetEvents(ctx, ids...)
}

// MarkProcessed stamps last_processed_at on an event.
func (s *Store) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET last_processed_at = ? WHERE id = ?;
	`, at.UTC(), eventID)
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// EventCount returns the number of stored events.
func (s *Store) EventCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("event count: %w", err)
	}
	return count, nil
}

func (s *Store) queryEventRows(ctx context.Context, ids []string) (map[string]*eventRow, error) {
	query := fmt.Sprintf(`
		SELECT e.id, e.type, e.detail, e.parent_id, e.created_at, e.last_processed_at,
			c.id, c.name, c.description,
			sp.id, sp.name, sp.description,
			u.id, u.name
		FROM events e
		LEFT JOIN channels c ON c.id = e.channel_id
		LEFT JOIN spaces sp ON sp.id = c.space_id
		LEFT JOIN users u ON u.id = e.user_id
		WHERE e.id IN (%s);
	`, placeholders(len(ids)))

	rows, err := s.db.QueryContext(ctx, query, toAnySlice(ids)...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*eventRow, len(ids))
	for rows.Next() {
		var (
			id, typ, detail      string
			parentID             sql.NullString
			createdAt            time.Time
			lastProcessed        sql.NullTime
			chID, chName, chDesc sql.NullString
			spID, spName, spDesc sql.NullString
			uID, uName           sql.NullString
		)
		if err := rows.Scan(
			&id, &typ, &detail, &parentID, &createdAt, &lastProcessed,
			&chID, &chName, &chDesc,
			&spID, &spName, &spDesc,
			&uID, &uName,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		decoded, err := DecodeDetail(EventType(typ), detail)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", id, err)
		}
		ev := &Event{
			ID:        id,
			Type:      EventType(typ),
			Detail:    decoded,
			CreatedAt: createdAt,
		}
		if lastProcessed.Valid {
			t := lastProcessed.Time
			ev.LastProcessedAt = &t
		}
		if chID.Valid {
			ev.Channel = &Channel{ID: chID.String, Name: chName.String, Description: chDesc.String}
			if spID.Valid {
				ev.Channel.Space = &Space{ID: spID.String, Name: spName.String, Description: spDesc.String}
			}
		}
		if uID.Valid {
			ev.User = &User{ID: uID.String, Name: uName.String}
		}
		row := &eventRow{event: ev}
		if parentID.Valid {
			row.parentID = parentID.String
		}
		out[id] = row
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event rows: %w", err)
	}
	return out, nil
}

func (s *Store) attachTo(ctx context.Context, rows map[string]*eventRow) error {
	if len(rows) == 0 {
		return nil
	}
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	query := fmt.Sprintf(`
		SELECT a.id, a.source_url, a.parent_id,
			rf.id, rf.mime_type, rf.path, rf.size_bytes,
			cf.id, cf.mime_type, cf.path, cf.size_bytes
		FROM attachments a
		LEFT JOIN files rf ON rf.id = a.raw_file_id
		LEFT JOIN files cf ON cf.id = a.compressed_file_id
		WHERE a.parent_id IN (%s)
		ORDER BY a.id ASC;
	`, placeholders(len(ids)))

	result, err := s.db.QueryContext(ctx, query, toAnySlice(ids)...)
	if err != nil {
		return fmt.Errorf("query attachments: %w", err)
	}
	defer result.Close()

	for result.Next() {
		var (
			aID, sourceURL, parentID string
			rfID, rfMime, rfPath     sql.NullString
			rfSize                   sql.NullInt64
			cfID, cfMime, cfPath     sql.NullString
			cfSize                   sql.NullInt64
		)
		if err := result.Scan(
			&aID, &sourceURL, &parentID,
			&rfID, &rfMime, &rfPath, &rfSize,
			&cfID, &cfMime, &cfPath, &cfSize,
		); err != nil {
			return fmt.Errorf("scan attachment: %w", err)
		}
		att := &Attachment{ID: aID, SourceURL: sourceURL, ParentID: parentID}
		if rfID.Valid {
			att.Raw = &FileRef{ID: rfID.String, MimeType: rfMime.String, Path: rfPath.String, Size: rfSize.Int64}
		}
		if cfID.Valid {
			att.Compressed = &FileRef{ID: cfID.String, MimeType: cfMime.String, Path: cfPath.String, Size: cfSize.Int64}
		}
		if row, ok := rows[parentID]; ok {
			row.event.Attachments = append(row.event.Attachments, att)
		}
	}
	return result.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toAnySlice(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func filterUnloaded(ids []string, loaded map[string]*eventRow) []string {
	out := ids[:0]
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, ok := loaded[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
