package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	_ "modernc.org/sqlite" // SQLite driver
)

// WriteSQLite serializes an artifact into its sqlite encoding. Used by
// `index pack` and the round-trip tests; the service itself only reads.
func WriteSQLite(path string, art *Artifact) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if err := createIndexSchema(db); err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := writeMeta(tx, art); err != nil {
		return err
	}
	if err := writeGridCells(tx, art); err != nil {
		return err
	}
	if err := writeDatasets(tx, art); err != nil {
		return err
	}
	if err := writeFiles(tx, art); err != nil {
		return err
	}
	if err := writeOverlays(tx, art); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func createIndexSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS meta (
			name TEXT NOT NULL,
			value TEXT
		);

		CREATE TABLE IF NOT EXISTS grid_cells (
			cell_key TEXT PRIMARY KEY,
			dataset_ids TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS datasets (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			provider TEXT NOT NULL,
			native_crs INTEGER NOT NULL,
			resolution_m REAL NOT NULL,
			acquisition_year INTEGER NOT NULL,
			min_lon REAL NOT NULL, min_lat REAL NOT NULL,
			max_lon REAL NOT NULL, max_lat REAL NOT NULL,
			confidence REAL NOT NULL,
			priority_class TEXT NOT NULL,
			file_indexes TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS files (
			idx INTEGER PRIMARY KEY,
			storage_key TEXT NOT NULL,
			native_crs INTEGER NOT NULL,
			t0 REAL, t1 REAL, t2 REAL, t3 REAL, t4 REAL, t5 REAL,
			min_lon REAL NOT NULL, min_lat REAL NOT NULL,
			max_lon REAL NOT NULL, max_lat REAL NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			nodata REAL NOT NULL,
			dataset_id TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS overlay_tiles (
			dataset_id TEXT NOT NULL,
			tile_deg REAL NOT NULL,
			cell_key TEXT NOT NULL,
			file_indexes TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS overlay_index ON overlay_tiles (dataset_id, cell_key);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

func writeMeta(tx *sql.Tx, art *Artifact) error {
	if _, err := tx.Exec("DELETE FROM meta"); err != nil {
		return fmt.Errorf("failed to clear meta: %w", err)
	}
	meta := map[string]string{
		"schema_version":        strconv.Itoa(art.SchemaVersion),
		"grid_cell_deg":         strconv.FormatFloat(art.Grid.CellDeg, 'g', -1, 64),
		"collections_available": strconv.Itoa(art.CollectionsAvailable()),
	}
	for name, value := range meta {
		if _, err := tx.Exec("INSERT INTO meta (name, value) VALUES (?, ?)", name, value); err != nil {
			return fmt.Errorf("failed to insert meta %q: %w", name, err)
		}
	}
	return nil
}

func writeGridCells(tx *sql.Tx, art *Artifact) error {
	stmt, err := tx.Prepare("INSERT OR REPLACE INTO grid_cells (cell_key, dataset_ids) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare grid insert: %w", err)
	}
	defer stmt.Close()

	for key, ids := range art.Grid.Cells {
		data, err := json.Marshal(ids)
		if err != nil {
			return fmt.Errorf("failed to encode cell %s: %w", key, err)
		}
		if _, err := stmt.Exec(key, string(data)); err != nil {
			return fmt.Errorf("failed to insert cell %s: %w", key, err)
		}
	}
	return nil
}

func writeDatasets(tx *sql.Tx, art *Artifact) error {
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO datasets
		(id, name, provider, native_crs, resolution_m, acquisition_year,
		 min_lon, min_lat, max_lon, max_lat, confidence, priority_class, file_indexes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare dataset insert: %w", err)
	}
	defer stmt.Close()

	// Deterministic row order keeps packed artifacts byte-comparable.
	ids := make([]string, 0, len(art.Datasets))
	for id := range art.Datasets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		ds := art.Datasets[id]
		fis, err := json.Marshal(ds.FileIndexes)
		if err != nil {
			return fmt.Errorf("failed to encode dataset %s: %w", id, err)
		}
		b := ds.CoverageBBox
		if _, err := stmt.Exec(ds.ID, ds.Name, ds.Provider, ds.NativeCRS,
			ds.ResolutionM, ds.AcquisitionYear,
			b.MinLon, b.MinLat, b.MaxLon, b.MaxLat,
			ds.Confidence, string(ds.PriorityClass), string(fis)); err != nil {
			return fmt.Errorf("failed to insert dataset %s: %w", id, err)
		}
	}
	return nil
}

func writeFiles(tx *sql.Tx, art *Artifact) error {
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO files
		(idx, storage_key, native_crs, t0, t1, t2, t3, t4, t5,
		 min_lon, min_lat, max_lon, max_lat, width, height, nodata, dataset_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare file insert: %w", err)
	}
	defer stmt.Close()

	for i := range art.Files {
		f := &art.Files[i]
		b := f.PixelBoundsWGS84
		t := f.Transform
		if _, err := stmt.Exec(i, f.StorageKey, f.NativeCRS,
			t[0], t[1], t[2], t[3], t[4], t[5],
			b.MinLon, b.MinLat, b.MaxLon, b.MaxLat,
			f.Width, f.Height, f.NoData, f.DatasetID); err != nil {
			return fmt.Errorf("failed to insert file %s: %w", f.StorageKey, err)
		}
	}
	return nil
}

func writeOverlays(tx *sql.Tx, art *Artifact) error {
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO overlay_tiles
		(dataset_id, tile_deg, cell_key, file_indexes) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare overlay insert: %w", err)
	}
	defer stmt.Close()

	for dsID, ov := range art.TiledOverlays {
		for key, fis := range ov.Tiles {
			data, err := json.Marshal(fis)
			if err != nil {
				return fmt.Errorf("failed to encode overlay %s tile %s: %w", dsID, key, err)
			}
			if _, err := stmt.Exec(dsID, ov.TileDeg, key, string(data)); err != nil {
				return fmt.Errorf("failed to insert overlay %s tile %s: %w", dsID, key, err)
			}
		}
	}
	return nil
}
