package graph

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store manages node and edge persistence. Every operation takes an
// identity and filters by it; there is no unscoped read path.
type Store struct {
	db *sql.DB
}

// NewStore creates a graph store using the given database path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// NewStoreWithDB creates a graph store using an existing connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			identity_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			label TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			confidence REAL NOT NULL DEFAULT 1.0,
			attrs TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			touched_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_nodes_identity ON nodes(identity_id, status);
		CREATE INDEX IF NOT EXISTS idx_nodes_kind ON nodes(identity_id, kind, status);
		CREATE INDEX IF NOT EXISTS idx_nodes_touched ON nodes(identity_id, touched_at DESC);

		CREATE TABLE IF NOT EXISTS edges (
			id TEXT PRIMARY KEY,
			identity_id TEXT NOT NULL,
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			attrs TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (from_id) REFERENCES nodes(id),
			FOREIGN KEY (to_id) REFERENCES nodes(id)
		);
		CREATE INDEX IF NOT EXISTS idx_edges_identity ON edges(identity_id);
		CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_id);
		CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateNode persists a new node. The write is rejected without an
// identity — silent unscoped writes are how cross-identity leaks start.
func (s *Store) CreateNode(n *Node) error {
	if n.IdentityID == "" {
		return ErrNoIdentity
	}
	if n.ID == uuid.Nil {
		n.ID = NewID()
	}
	if n.Status == "" {
		n.Status = StatusActive
	}
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	n.TouchedAt = now

	attrs, err := marshalAttrs(n.Attrs)
	if err != nil {
		return fmt.Errorf("marshal attrs: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO nodes (id, identity_id, kind, label, status, confidence, attrs, created_at, updated_at, touched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID.String(), n.IdentityID, n.Kind, n.Label, n.Status, n.Confidence, attrs,
		n.CreatedAt.Format(time.RFC3339Nano), n.UpdatedAt.Format(time.RFC3339Nano), n.TouchedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

// GetNode retrieves a node by ID within the identity scope.
func (s *Store) GetNode(identityID string, id uuid.UUID) (*Node, error) {
	if identityID == "" {
		return nil, ErrNoIdentity
	}
	row := s.db.QueryRow(`
		SELECT id, identity_id, kind, label, status, confidence, attrs, created_at, updated_at, touched_at
		FROM nodes WHERE identity_id = ? AND id = ?
	`, identityID, id.String())

	n, err := scanNode(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return n, err
}

// UpdateNode rewrites a node's mutable fields (label, confidence,
// attrs, status) and bumps updated/touched timestamps. The identity
// and kind of a node never change.
func (s *Store) UpdateNode(n *Node) error {
	if n.IdentityID == "" {
		return ErrNoIdentity
	}
	now := time.Now().UTC()
	n.UpdatedAt = now
	n.TouchedAt = now

	attrs, err := marshalAttrs(n.Attrs)
	if err != nil {
		return fmt.Errorf("marshal attrs: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE nodes SET label = ?, status = ?, confidence = ?, attrs = ?, updated_at = ?, touched_at = ?
		WHERE identity_id = ? AND id = ?
	`, n.Label, n.Status, n.Confidence, attrs,
		n.UpdatedAt.Format(time.RFC3339Nano), n.TouchedAt.Format(time.RFC3339Nano),
		n.IdentityID, n.ID.String())
	if err != nil {
		return fmt.Errorf("update node: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch bumps a node's touched_at timestamp. Called on recall so
// recency weighting reflects actual use.
func (s *Store) Touch(identityID string, id uuid.UUID) error {
	if identityID == "" {
		return ErrNoIdentity
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.Exec(`UPDATE nodes SET touched_at = ? WHERE identity_id = ? AND id = ?`,
		now, identityID, id.String())
	return err
}

// DeprecateNode flips a node's status to deprecated. The row is
// retained for audit; there is no hard delete.
func (s *Store) DeprecateNode(identityID string, id uuid.UUID, reason string) error {
	if identityID == "" {
		return ErrNoIdentity
	}

	n, err := s.GetNode(identityID, id)
	if err != nil {
		return err
	}
	if n.Attrs == nil {
		n.Attrs = make(map[string]any)
	}
	if reason != "" {
		n.Attrs["deprecated_reason"] = reason
	}
	n.Attrs["deprecated_at"] = time.Now().UTC().Format(time.RFC3339)
	n.Status = StatusDeprecated
	return s.UpdateNode(n)
}

// ListNodes returns nodes of the identity, optionally filtered by kind
// and status. Pass empty kind/status to skip the filter.
func (s *Store) ListNodes(identityID string, kind NodeKind, status NodeStatus, limit int) ([]*Node, error) {
	if identityID == "" {
		return nil, ErrNoIdentity
	}
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, identity_id, kind, label, status, confidence, attrs, created_at, updated_at, touched_at
		FROM nodes WHERE identity_id = ?`
	args := []any{identityID}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY touched_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	return collectNodes(rows)
}

// SearchNodes finds active nodes whose label contains any of the query
// terms, scored by term overlap. This is the exact-keyword leg of
// hybrid retrieval; scores are in [0,1].
func (s *Store) SearchNodes(identityID, query string, limit int) ([]ScoredNode, error) {
	if identityID == "" {
		return nil, ErrNoIdentity
	}
	terms := splitTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}

	// One LIKE clause per term; scoring happens in Go where we can
	// count matched terms rather than rows.
	clauses := make([]string, len(terms))
	args := []any{identityID}
	for i, t := range terms {
		clauses[i] = "label LIKE ?"
		args = append(args, "%"+t+"%")
	}

	rows, err := s.db.Query(`
		SELECT id, identity_id, kind, label, status, confidence, attrs, created_at, updated_at, touched_at
		FROM nodes
		WHERE identity_id = ? AND status = 'active' AND (`+strings.Join(clauses, " OR ")+`)
		ORDER BY touched_at DESC
		LIMIT 200
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	nodes, err := collectNodes(rows)
	if err != nil {
		return nil, err
	}

	scored := make([]ScoredNode, 0, len(nodes))
	for _, n := range nodes {
		score := termOverlap(n.Label, terms)
		if score <= 0 {
			continue
		}
		scored = append(scored, ScoredNode{Node: n, Score: score})
	}
	sortScored(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// CreateEdge persists a directed edge after validating that both
// endpoints exist and belong to the edge's identity.
func (s *Store) CreateEdge(e *Edge) error {
	if e.IdentityID == "" {
		return ErrNoIdentity
	}
	if e.ID == uuid.Nil {
		e.ID = NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	for _, endpoint := range []uuid.UUID{e.FromID, e.ToID} {
		var owner string
		err := s.db.QueryRow(`SELECT identity_id FROM nodes WHERE id = ?`, endpoint.String()).Scan(&owner)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", ErrDanglingEdge, endpoint)
		}
		if err != nil {
			return fmt.Errorf("check endpoint: %w", err)
		}
		if owner != e.IdentityID {
			return ErrCrossIdentity
		}
	}

	attrs, err := marshalAttrs(e.Attrs)
	if err != nil {
		return fmt.Errorf("marshal attrs: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO edges (id, identity_id, from_id, to_id, kind, attrs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID.String(), e.IdentityID, e.FromID.String(), e.ToID.String(), e.Kind, attrs,
		e.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

// EdgesFrom returns edges leaving the given node, optionally filtered
// by kind.
func (s *Store) EdgesFrom(identityID string, fromID uuid.UUID, kind EdgeKind) ([]*Edge, error) {
	if identityID == "" {
		return nil, ErrNoIdentity
	}

	query := `SELECT id, identity_id, from_id, to_id, kind, attrs, created_at
		FROM edges WHERE identity_id = ? AND from_id = ?`
	args := []any{identityID, fromID.String()}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var edges []*Edge
	for rows.Next() {
		e, err := scanEdgeRow(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// Neighbors returns active nodes reachable from the given node by one
// edge hop in either direction. Used by graph-aware retrieval.
func (s *Store) Neighbors(identityID string, nodeID uuid.UUID, limit int) ([]*Node, error) {
	if identityID == "" {
		return nil, ErrNoIdentity
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT n.id, n.identity_id, n.kind, n.label, n.status, n.confidence, n.attrs, n.created_at, n.updated_at, n.touched_at
		FROM nodes n
		JOIN edges e ON (e.to_id = n.id AND e.from_id = ?) OR (e.from_id = n.id AND e.to_id = ?)
		WHERE n.identity_id = ? AND e.identity_id = ? AND n.status = 'active'
		LIMIT ?
	`, nodeID.String(), nodeID.String(), identityID, identityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query neighbors: %w", err)
	}
	defer rows.Close()

	return collectNodes(rows)
}

// Stats returns graph statistics for an identity.
func (s *Store) Stats(identityID string) map[string]any {
	var nodes, active, edges int
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM nodes WHERE identity_id = ?`, identityID).Scan(&nodes)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM nodes WHERE identity_id = ? AND status = 'active'`, identityID).Scan(&active)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM edges WHERE identity_id = ?`, identityID).Scan(&edges)

	return map[string]any{
		"nodes":        nodes,
		"active_nodes": active,
		"edges":        edges,
	}
}

// ScoredNode pairs a node with a retrieval score in [0,1].
type ScoredNode struct {
	Node  *Node
	Score float64
}

// splitTerms lowercases and tokenizes a query, dropping one-character
// fragments that would match everything.
func splitTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, `.,;:!?"'()`)
		if len(f) > 1 {
			terms = append(terms, f)
		}
	}
	return terms
}

// termOverlap scores how many query terms appear in the label.
func termOverlap(label string, terms []string) float64 {
	lower := strings.ToLower(label)
	matched := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

func sortScored(s []ScoredNode) {
	// Ties break by most-recent touch.
	for i := 1; i < len(s); i++ {
		for j := i; j > 0; j-- {
			a, b := s[j-1], s[j]
			if b.Score > a.Score || (b.Score == a.Score && b.Node.TouchedAt.After(a.Node.TouchedAt)) {
				s[j-1], s[j] = b, a
			} else {
				break
			}
		}
	}
}

func marshalAttrs(attrs map[string]any) (sql.NullString, error) {
	if len(attrs) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*Node, error) {
	var n Node
	var idStr, kindStr, statusStr, createdStr, updatedStr, touchedStr string
	var attrs sql.NullString

	err := row.Scan(&idStr, &n.IdentityID, &kindStr, &n.Label, &statusStr, &n.Confidence,
		&attrs, &createdStr, &updatedStr, &touchedStr)
	if err != nil {
		return nil, err
	}

	n.ID, _ = uuid.Parse(idStr)
	n.Kind = NodeKind(kindStr)
	n.Status = NodeStatus(statusStr)
	if attrs.Valid {
		_ = json.Unmarshal([]byte(attrs.String), &n.Attrs)
	}
	n.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	n.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	n.TouchedAt, _ = time.Parse(time.RFC3339Nano, touchedStr)

	return &n, nil
}

func scanEdgeRow(row rowScanner) (*Edge, error) {
	var e Edge
	var idStr, fromStr, toStr, kindStr, createdStr string
	var attrs sql.NullString

	err := row.Scan(&idStr, &e.IdentityID, &fromStr, &toStr, &kindStr, &attrs, &createdStr)
	if err != nil {
		return nil, err
	}

	e.ID, _ = uuid.Parse(idStr)
	e.FromID, _ = uuid.Parse(fromStr)
	e.ToID, _ = uuid.Parse(toStr)
	e.Kind = EdgeKind(kindStr)
	if attrs.Valid {
		_ = json.Unmarshal([]byte(attrs.String), &e.Attrs)
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)

	return &e, nil
}

func collectNodes(rows *sql.Rows) ([]*Node, error) {
	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}
