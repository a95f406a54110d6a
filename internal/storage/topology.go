package storage

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"

	v1 "github.com/devplane/devplane/pkg/api/v1"
)

// Errors for the topology tables.
var (
	ErrRegionNotFound = errors.New("region not found")
	ErrNodeNotFound   = errors.New("node not found")
)

// CreateRegion inserts a region with a generated UUID.
func (s *Store) CreateRegion(r *v1.Region) error {
	r.ID = uuid.New().String()
	r.CreatedAt = nowUTC()
	_, err := s.writer().Exec(`
		INSERT INTO regions (id, name, created_at) VALUES (?, ?, ?)`,
		r.ID, r.Name, fmtTime(r.CreatedAt))
	return err
}

// ListRegions returns all regions.
func (s *Store) ListRegions() ([]*v1.Region, error) {
	rows, err := s.reader().Queryx(`SELECT id, name, created_at FROM regions ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.Region
	for rows.Next() {
		var id, name, created string
		if err := rows.Scan(&id, &name, &created); err != nil {
			return nil, err
		}
		out = append(out, &v1.Region{ID: id, Name: name, CreatedAt: parseTime(created)})
	}
	return out, rows.Err()
}

// DeleteRegion removes a region.
func (s *Store) DeleteRegion(id string) error {
	res, err := s.writer().Exec(`DELETE FROM regions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrRegionNotFound
	}
	return nil
}

// UpsertNode registers a node or refreshes an existing one by ID.
func (s *Store) UpsertNode(n *v1.Node) error {
	now := nowUTC()
	if n.ID == "" {
		n.ID = uuid.New().String()
		n.CreatedAt = now
	}
	if n.Status == "" {
		n.Status = "active"
	}
	n.UpdatedAt = now

	created := n.CreatedAt
	if created.IsZero() {
		created = now
	}
	_, err := s.writer().Exec(`
		INSERT INTO nodes (id, region_id, hostname, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			region_id = excluded.region_id,
			hostname = excluded.hostname,
			status = excluded.status,
			updated_at = excluded.updated_at`,
		n.ID, n.RegionID, n.Hostname, n.Status, fmtTime(created), fmtTime(now))
	return err
}

// GetNode fetches one node by ID.
func (s *Store) GetNode(id string) (*v1.Node, error) {
	type nodeRow struct {
		ID        string `db:"id"`
		RegionID  string `db:"region_id"`
		Hostname  string `db:"hostname"`
		Status    string `db:"status"`
		CreatedAt string `db:"created_at"`
		UpdatedAt string `db:"updated_at"`
	}
	var row nodeRow
	err := s.reader().Get(&row, `
		SELECT id, region_id, hostname, status, created_at, updated_at
		FROM nodes WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v1.Node{
		ID: row.ID, RegionID: row.RegionID, Hostname: row.Hostname, Status: row.Status,
		CreatedAt: parseTime(row.CreatedAt), UpdatedAt: parseTime(row.UpdatedAt),
	}, nil
}

// ListNodes returns nodes, optionally filtered by region.
func (s *Store) ListNodes(regionID string) ([]*v1.Node, error) {
	query := `SELECT id, region_id, hostname, status, created_at, updated_at FROM nodes`
	var args []interface{}
	if regionID != "" {
		query += ` WHERE region_id = ?`
		args = append(args, regionID)
	}
	query += ` ORDER BY hostname`

	rows, err := s.reader().Queryx(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*v1.Node
	for rows.Next() {
		var id, region, hostname, status, created, updated string
		if err := rows.Scan(&id, &region, &hostname, &status, &created, &updated); err != nil {
			return nil, err
		}
		out = append(out, &v1.Node{
			ID: id, RegionID: region, Hostname: hostname, Status: status,
			CreatedAt: parseTime(created), UpdatedAt: parseTime(updated),
		})
	}
	return out, rows.Err()
}

// DeleteNode removes a node.
func (s *Store) DeleteNode(id string) error {
	res, err := s.writer().Exec(`DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNodeNotFound
	}
	return nil
}
