// Package store persists pipeline runs, fitted models, and inferred labels
// to SQLite.
package store

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/apogee-data/cannon/internal/monitoring"
	"github.com/apogee-data/cannon/model"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the run database.
type Store struct {
	*sql.DB
}

// Open opens (creating if necessary) the run database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db}, nil
}

// RunRecord is one persisted pipeline run.
type RunRecord struct {
	ID         string
	CreatedAt  string
	ConfigJSON string
	Notes      string
}

// InferredStar is one object's persisted inference outcome.
type InferredStar struct {
	ObjectID  string
	Labels    []float64
	Cov       [][]float64 // nil when the fit failed
	Chisq     float64
	Converged bool
}

// CreateRun inserts a new run with a fresh UUID, recording the marshaled
// configuration, and returns the run ID.
func (s *Store) CreateRun(cfg any, notes string) (string, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("store: marshal config: %w", err)
	}
	id := uuid.NewString()
	_, err = s.Exec(`INSERT INTO runs (id, config_json, notes) VALUES (?, ?, ?)`,
		id, string(cfgJSON), notes)
	if err != nil {
		return "", fmt.Errorf("store: insert run: %w", err)
	}
	monitoring.Logf("store: created run %s", id)
	return id, nil
}

// Run fetches one run record by ID.
func (s *Store) Run(id string) (*RunRecord, error) {
	var r RunRecord
	err := s.QueryRow(`SELECT id, created_at, config_json, notes FROM runs WHERE id = ?`, id).
		Scan(&r.ID, &r.CreatedAt, &r.ConfigJSON, &r.Notes)
	if err != nil {
		return nil, fmt.Errorf("store: fetch run %s: %w", id, err)
	}
	return &r, nil
}

// SaveModel persists the fitted per-pixel model for a run.
func (s *Store) SaveModel(runID string, m *model.Model) error {
	tx, err := s.Begin()
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO model_pixels (run_id, pixel, wavelength, coeffs_json, scatter, chisq)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare model insert: %w", err)
	}
	defer stmt.Close()

	for j := 0; j < m.NumPixels(); j++ {
		coeffs, err := json.Marshal(m.Coeffs.RawRowView(j))
		if err != nil {
			return fmt.Errorf("store: marshal coefficients for pixel %d: %w", j, err)
		}
		if _, err := stmt.Exec(runID, j, m.Wavelength[j], string(coeffs), m.Scatter[j], m.Chisq[j]); err != nil {
			return fmt.Errorf("store: insert pixel %d: %w", j, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit model: %w", err)
	}
	monitoring.Logf("store: saved %d model pixels for run %s", m.NumPixels(), runID)
	return nil
}

// SaveMask persists the continuum-pixel mask for a run as the set of
// selected pixel indices.
func (s *Store) SaveMask(runID string, mask []bool) error {
	tx, err := s.Begin()
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO continuum_mask_pixels (run_id, pixel) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare mask insert: %w", err)
	}
	defer stmt.Close()

	n := 0
	for j, selected := range mask {
		if !selected {
			continue
		}
		if _, err := stmt.Exec(runID, j); err != nil {
			return fmt.Errorf("store: insert mask pixel %d: %w", j, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit mask: %w", err)
	}
	monitoring.Logf("store: saved %d continuum mask pixels for run %s", n, runID)
	return nil
}

// Mask reloads a run's continuum mask as a boolean vector of the given
// pixel count.
func (s *Store) Mask(runID string, nPixels int) ([]bool, error) {
	rows, err := s.Query(`SELECT pixel FROM continuum_mask_pixels WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: query mask: %w", err)
	}
	defer rows.Close()

	mask := make([]bool, nPixels)
	for rows.Next() {
		var j int
		if err := rows.Scan(&j); err != nil {
			return nil, fmt.Errorf("store: scan mask pixel: %w", err)
		}
		if j < 0 || j >= nPixels {
			return nil, fmt.Errorf("store: mask pixel %d out of range for %d pixels", j, nPixels)
		}
		mask[j] = true
	}
	return mask, rows.Err()
}

// SaveResult persists the inferred labels for a run. IDs must align with
// the result's object order.
func (s *Store) SaveResult(runID string, ids []string, res *model.Result) error {
	nObj, nLab := res.Labels.Dims()
	if len(ids) != nObj {
		return fmt.Errorf("store: %d IDs for %d inferred objects", len(ids), nObj)
	}

	tx, err := s.Begin()
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO inferred_labels (run_id, object_id, labels_json, cov_json, chisq, converged)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: prepare label insert: %w", err)
	}
	defer stmt.Close()

	for i := 0; i < nObj; i++ {
		labels, err := json.Marshal(res.Labels.RawRowView(i))
		if err != nil {
			return fmt.Errorf("store: marshal labels for %s: %w", ids[i], err)
		}
		var covJSON sql.NullString
		if res.Covs[i] != nil {
			cov := make([][]float64, nLab)
			for a := 0; a < nLab; a++ {
				cov[a] = make([]float64, nLab)
				for b := 0; b < nLab; b++ {
					cov[a][b] = res.Covs[i].At(a, b)
				}
			}
			raw, err := json.Marshal(cov)
			if err != nil {
				return fmt.Errorf("store: marshal covariance for %s: %w", ids[i], err)
			}
			covJSON = sql.NullString{String: string(raw), Valid: true}
		}
		if _, err := stmt.Exec(runID, ids[i], string(labels), covJSON, res.Chisq[i], res.Converged[i]); err != nil {
			return fmt.Errorf("store: insert labels for %s: %w", ids[i], err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit labels: %w", err)
	}
	monitoring.Logf("store: saved inferred labels for %d objects in run %s", nObj, runID)
	return nil
}

// InferredLabels reloads a run's inferred labels ordered by object ID.
func (s *Store) InferredLabels(runID string) ([]InferredStar, error) {
	rows, err := s.Query(`SELECT object_id, labels_json, cov_json, chisq, converged
		FROM inferred_labels WHERE run_id = ? ORDER BY object_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("store: query inferred labels: %w", err)
	}
	defer rows.Close()

	var stars []InferredStar
	for rows.Next() {
		var (
			star      InferredStar
			labelsRaw string
			covRaw    sql.NullString
		)
		if err := rows.Scan(&star.ObjectID, &labelsRaw, &covRaw, &star.Chisq, &star.Converged); err != nil {
			return nil, fmt.Errorf("store: scan inferred labels: %w", err)
		}
		if err := json.Unmarshal([]byte(labelsRaw), &star.Labels); err != nil {
			return nil, fmt.Errorf("store: unmarshal labels for %s: %w", star.ObjectID, err)
		}
		if covRaw.Valid {
			if err := json.Unmarshal([]byte(covRaw.String), &star.Cov); err != nil {
				return nil, fmt.Errorf("store: unmarshal covariance for %s: %w", star.ObjectID, err)
			}
		}
		stars = append(stars, star)
	}
	return stars, rows.Err()
}
