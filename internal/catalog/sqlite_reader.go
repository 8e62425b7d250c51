package catalog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	_ "modernc.org/sqlite" // SQLite driver
)

// loadSQLite reads an index artifact from its sqlite encoding. The file is
// opened read-only with the immutable flag; artifacts are never written to
// by the service.
func loadSQLite(path string) (*Artifact, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro&immutable=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	defer db.Close()

	// Verify schema exists
	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='datasets'").Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("failed to verify schema: %w", err)
	}
	if count == 0 {
		return nil, fmt.Errorf("database does not contain a datasets table")
	}

	art := &Artifact{
		Datasets:      make(map[string]*Dataset),
		TiledOverlays: make(map[string]Overlay),
	}

	meta, err := readMeta(db)
	if err != nil {
		return nil, err
	}
	if v, ok := meta["schema_version"]; ok {
		art.SchemaVersion, _ = strconv.Atoi(v)
	}
	if v, ok := meta["grid_cell_deg"]; ok {
		art.Grid.CellDeg, _ = strconv.ParseFloat(v, 64)
	}

	if art.Grid.Cells, err = readGridCells(db); err != nil {
		return nil, err
	}
	if err := readDatasets(db, art); err != nil {
		return nil, err
	}
	if err := readFiles(db, art); err != nil {
		return nil, err
	}
	if err := readOverlays(db, art); err != nil {
		return nil, err
	}
	return art, nil
}

func readMeta(db *sql.DB) (map[string]string, error) {
	rows, err := db.Query("SELECT name, value FROM meta")
	if err != nil {
		return nil, fmt.Errorf("failed to query meta: %w", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan meta row: %w", err)
		}
		meta[name] = value
	}
	return meta, rows.Err()
}

func readGridCells(db *sql.DB) (map[string][]string, error) {
	rows, err := db.Query("SELECT cell_key, dataset_ids FROM grid_cells")
	if err != nil {
		return nil, fmt.Errorf("failed to query grid cells: %w", err)
	}
	defer rows.Close()

	cells := make(map[string][]string)
	for rows.Next() {
		var key, idsJSON string
		if err := rows.Scan(&key, &idsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan grid cell: %w", err)
		}
		var ids []string
		if err := json.Unmarshal([]byte(idsJSON), &ids); err != nil {
			return nil, fmt.Errorf("grid cell %s: bad dataset list: %w", key, err)
		}
		cells[key] = ids
	}
	return cells, rows.Err()
}

func readDatasets(db *sql.DB, art *Artifact) error {
	rows, err := db.Query(`SELECT id, name, provider, native_crs, resolution_m,
		acquisition_year, min_lon, min_lat, max_lon, max_lat, confidence,
		priority_class, file_indexes FROM datasets`)
	if err != nil {
		return fmt.Errorf("failed to query datasets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ds := &Dataset{}
		var prio, fiJSON string
		if err := rows.Scan(&ds.ID, &ds.Name, &ds.Provider, &ds.NativeCRS,
			&ds.ResolutionM, &ds.AcquisitionYear,
			&ds.CoverageBBox.MinLon, &ds.CoverageBBox.MinLat,
			&ds.CoverageBBox.MaxLon, &ds.CoverageBBox.MaxLat,
			&ds.Confidence, &prio, &fiJSON); err != nil {
			return fmt.Errorf("failed to scan dataset: %w", err)
		}
		ds.PriorityClass = PriorityClass(prio)
		if err := json.Unmarshal([]byte(fiJSON), &ds.FileIndexes); err != nil {
			return fmt.Errorf("dataset %s: bad file index list: %w", ds.ID, err)
		}
		art.Datasets[ds.ID] = ds
	}
	return rows.Err()
}

func readFiles(db *sql.DB, art *Artifact) error {
	rows, err := db.Query(`SELECT idx, storage_key, native_crs,
		t0, t1, t2, t3, t4, t5, min_lon, min_lat, max_lon, max_lat,
		width, height, nodata, dataset_id FROM files ORDER BY idx`)
	if err != nil {
		return fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var idx int
		var f RasterFile
		if err := rows.Scan(&idx, &f.StorageKey, &f.NativeCRS,
			&f.Transform[0], &f.Transform[1], &f.Transform[2],
			&f.Transform[3], &f.Transform[4], &f.Transform[5],
			&f.PixelBoundsWGS84.MinLon, &f.PixelBoundsWGS84.MinLat,
			&f.PixelBoundsWGS84.MaxLon, &f.PixelBoundsWGS84.MaxLat,
			&f.Width, &f.Height, &f.NoData, &f.DatasetID); err != nil {
			return fmt.Errorf("failed to scan file: %w", err)
		}
		if idx != len(art.Files) {
			return fmt.Errorf("file rows out of order: got idx %d, want %d", idx, len(art.Files))
		}
		art.Files = append(art.Files, f)
	}
	return rows.Err()
}

func readOverlays(db *sql.DB, art *Artifact) error {
	rows, err := db.Query("SELECT dataset_id, tile_deg, cell_key, file_indexes FROM overlay_tiles")
	if err != nil {
		return fmt.Errorf("failed to query overlay tiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var dsID, key, fiJSON string
		var tileDeg float64
		if err := rows.Scan(&dsID, &tileDeg, &key, &fiJSON); err != nil {
			return fmt.Errorf("failed to scan overlay tile: %w", err)
		}
		var fis []int
		if err := json.Unmarshal([]byte(fiJSON), &fis); err != nil {
			return fmt.Errorf("overlay %s tile %s: bad file list: %w", dsID, key, err)
		}
		ov, ok := art.TiledOverlays[dsID]
		if !ok {
			ov = Overlay{TileDeg: tileDeg, Tiles: make(map[string][]int)}
		}
		ov.Tiles[key] = fis
		art.TiledOverlays[dsID] = ov
	}
	return rows.Err()
}
