package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"basepack/internal"
)

type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(`PRAGMA journal_mode = WAL; PRAGMA foreign_keys = ON;`); err != nil {
		_ = conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS tenants (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL UNIQUE,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS machines (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  tenantId INTEGER NOT NULL,
  name TEXT NOT NULL,
  maxWidthMm REAL NOT NULL,
  maxLengthMm REAL NOT NULL,
  minDpi INTEGER NOT NULL DEFAULT 0,
  UNIQUE(tenantId, name),
  FOREIGN KEY(tenantId) REFERENCES tenants(id)
);

CREATE TABLE IF NOT EXISTS sizing_profiles (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  tenantId INTEGER NOT NULL,
  sizeLabel TEXT NOT NULL,
  targetWidthMm REAL NOT NULL,
  skuPrefix TEXT,
  isDefault INTEGER NOT NULL DEFAULT 0,
  FOREIGN KEY(tenantId) REFERENCES tenants(id)
);
CREATE INDEX IF NOT EXISTS idx_sizing_profiles_tenant ON sizing_profiles(tenantId);

CREATE TABLE IF NOT EXISTS sku_layouts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  tenantId INTEGER NOT NULL,
  name TEXT NOT NULL,
  patternType TEXT NOT NULL,
  pattern TEXT NOT NULL,
  priority INTEGER NOT NULL DEFAULT 100,
  active INTEGER NOT NULL DEFAULT 1,
  allowHyphenVariants INTEGER NOT NULL DEFAULT 0,
  FOREIGN KEY(tenantId) REFERENCES tenants(id)
);
CREATE INDEX IF NOT EXISTS idx_sku_layouts_tenant ON sku_layouts(tenantId, active, priority);

CREATE TABLE IF NOT EXISTS assets (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  tenantId INTEGER NOT NULL,
  originalFilename TEXT NOT NULL,
  fileUri TEXT NOT NULL,
  skuNormalized TEXT NOT NULL,
  metaJson TEXT NOT NULL DEFAULT '{}',
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(tenantId, skuNormalized),
  FOREIGN KEY(tenantId) REFERENCES tenants(id)
);
CREATE INDEX IF NOT EXISTS idx_assets_sku ON assets(skuNormalized);

CREATE TABLE IF NOT EXISTS jobs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  tenantId INTEGER NOT NULL,
  machineId INTEGER NOT NULL,
  sizingProfileId INTEGER,
  status TEXT NOT NULL DEFAULT 'queued',
  mode TEXT NOT NULL DEFAULT 'sequence',
  picklistUri TEXT NOT NULL,
  manifestJson TEXT,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  completedAt TEXT,
  FOREIGN KEY(tenantId) REFERENCES tenants(id),
  FOREIGN KEY(machineId) REFERENCES machines(id)
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, createdAt);

CREATE TABLE IF NOT EXISTS job_items (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  jobId INTEGER NOT NULL,
  sku TEXT NOT NULL,
  quantity INTEGER NOT NULL DEFAULT 1,
  sizeLabel TEXT,
  picklistPosition INTEGER NOT NULL,
  assetId INTEGER,
  status TEXT NOT NULL DEFAULT 'pending',
  finalWidthMm REAL NOT NULL DEFAULT 0,
  finalHeightMm REAL NOT NULL DEFAULT 0,
  baseIndex INTEGER,
  xMm REAL,
  yMm REAL,
  FOREIGN KEY(jobId) REFERENCES jobs(id),
  FOREIGN KEY(assetId) REFERENCES assets(id)
);
CREATE INDEX IF NOT EXISTS idx_job_items_job ON job_items(jobId, picklistPosition);

CREATE TABLE IF NOT EXISTS mails (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  tenantId INTEGER NOT NULL,
  provider TEXT NOT NULL,
  messageId TEXT NOT NULL,
  subject TEXT,
  sender TEXT,
  receivedAt TEXT,
  hash TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'fetched',
  rawRef TEXT NOT NULL,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(provider, messageId)
);
`

	_, err := d.conn.Exec(schema)
	return err
}

// --- tenants ---

func (d *DB) CreateTenant(name string) (internal.Tenant, error) {
	result, err := d.conn.Exec(`INSERT INTO tenants (name) VALUES (?)`, name)
	if err != nil {
		return internal.Tenant{}, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return internal.Tenant{}, err
	}
	return internal.Tenant{ID: id, Name: name}, nil
}

func (d *DB) GetTenantByName(name string) (*internal.Tenant, error) {
	var t internal.Tenant
	err := d.conn.QueryRow(`SELECT id, name, createdAt FROM tenants WHERE name = ?`, name).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (d *DB) EnsureTenant(name string) (internal.Tenant, error) {
	if t, err := d.GetTenantByName(name); err != nil {
		return internal.Tenant{}, err
	} else if t != nil {
		return *t, nil
	}
	return d.CreateTenant(name)
}

// --- machines ---

func (d *DB) UpsertMachine(m internal.Machine) (int64, error) {
	_, err := d.conn.Exec(`
INSERT INTO machines (tenantId, name, maxWidthMm, maxLengthMm, minDpi)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(tenantId, name) DO UPDATE SET
  maxWidthMm=excluded.maxWidthMm,
  maxLengthMm=excluded.maxLengthMm,
  minDpi=excluded.minDpi
`, m.TenantID, m.Name, m.MaxWidthMM, m.MaxLengthMM, m.MinDPI)
	if err != nil {
		return 0, err
	}
	var id int64
	err = d.conn.QueryRow(`SELECT id FROM machines WHERE tenantId = ? AND name = ?`, m.TenantID, m.Name).Scan(&id)
	return id, err
}

func (d *DB) GetMachine(id int64) (*internal.Machine, error) {
	var m internal.Machine
	err := d.conn.QueryRow(`
SELECT id, tenantId, name, maxWidthMm, maxLengthMm, minDpi FROM machines WHERE id = ?
`, id).Scan(&m.ID, &m.TenantID, &m.Name, &m.MaxWidthMM, &m.MaxLengthMM, &m.MinDPI)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (d *DB) ListMachines(tenantID int64) ([]internal.Machine, error) {
	rows, err := d.conn.Query(`
SELECT id, tenantId, name, maxWidthMm, maxLengthMm, minDpi
FROM machines WHERE tenantId = ? ORDER BY name ASC
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.Machine
	for rows.Next() {
		var m internal.Machine
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Name, &m.MaxWidthMM, &m.MaxLengthMM, &m.MinDPI); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- sizing profiles ---

func (d *DB) InsertSizingProfile(p internal.SizingProfile) (int64, error) {
	// Only one default per tenant: a new default demotes the old one.
	tx, err := d.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if p.IsDefault {
		if _, err := tx.Exec(`UPDATE sizing_profiles SET isDefault = 0 WHERE tenantId = ?`, p.TenantID); err != nil {
			return 0, err
		}
	}

	result, err := tx.Exec(`
INSERT INTO sizing_profiles (tenantId, sizeLabel, targetWidthMm, skuPrefix, isDefault)
VALUES (?, ?, ?, ?, ?)
`, p.TenantID, p.SizeLabel, p.TargetWidthMM, p.SkuPrefix, boolToInt(p.IsDefault))
	if err != nil {
		return 0, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

func (d *DB) GetSizingProfile(id int64) (*internal.SizingProfile, error) {
	var p internal.SizingProfile
	var isDefault int
	err := d.conn.QueryRow(`
SELECT id, tenantId, sizeLabel, targetWidthMm, skuPrefix, isDefault
FROM sizing_profiles WHERE id = ?
`, id).Scan(&p.ID, &p.TenantID, &p.SizeLabel, &p.TargetWidthMM, &p.SkuPrefix, &isDefault)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.IsDefault = isDefault != 0
	return &p, nil
}

func (d *DB) ListSizingProfiles(tenantID int64) ([]internal.SizingProfile, error) {
	rows, err := d.conn.Query(`
SELECT id, tenantId, sizeLabel, targetWidthMm, skuPrefix, isDefault
FROM sizing_profiles WHERE tenantId = ? ORDER BY id ASC
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.SizingProfile
	for rows.Next() {
		var p internal.SizingProfile
		var isDefault int
		if err := rows.Scan(&p.ID, &p.TenantID, &p.SizeLabel, &p.TargetWidthMM, &p.SkuPrefix, &isDefault); err != nil {
			return nil, err
		}
		p.IsDefault = isDefault != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- sku layouts ---

func (d *DB) InsertSkuLayout(l internal.SkuLayout) (int64, error) {
	result, err := d.conn.Exec(`
INSERT INTO sku_layouts (tenantId, name, patternType, pattern, priority, active, allowHyphenVariants)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, l.TenantID, l.Name, l.PatternType, l.Pattern, l.Priority, boolToInt(l.Active), boolToInt(l.AllowHyphenVariants))
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (d *DB) ListActiveLayouts(tenantID int64) ([]internal.SkuLayout, error) {
	rows, err := d.conn.Query(`
SELECT id, tenantId, name, patternType, pattern, priority, active, allowHyphenVariants
FROM sku_layouts WHERE tenantId = ? AND active = 1 ORDER BY priority ASC, id ASC
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.SkuLayout
	for rows.Next() {
		var l internal.SkuLayout
		var active, allowVariants int
		if err := rows.Scan(&l.ID, &l.TenantID, &l.Name, &l.PatternType, &l.Pattern, &l.Priority, &active, &allowVariants); err != nil {
			return nil, err
		}
		l.Active = active != 0
		l.AllowHyphenVariants = allowVariants != 0
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- assets ---

func (d *DB) UpsertAsset(a internal.Asset) (internal.Asset, error) {
	metaJSON, _ := json.Marshal(a.Meta)
	_, err := d.conn.Exec(`
INSERT INTO assets (tenantId, originalFilename, fileUri, skuNormalized, metaJson)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(tenantId, skuNormalized) DO UPDATE SET
  originalFilename=excluded.originalFilename,
  fileUri=excluded.fileUri,
  metaJson=excluded.metaJson,
  updatedAt=CURRENT_TIMESTAMP
`, a.TenantID, a.OriginalFilename, a.FileURI, a.SkuNormalized, string(metaJSON))
	if err != nil {
		return internal.Asset{}, err
	}

	row, err := d.GetAssetBySku(a.TenantID, a.SkuNormalized)
	if err != nil {
		return internal.Asset{}, err
	}
	if row == nil {
		return internal.Asset{}, errors.New("failed to upsert asset")
	}
	return *row, nil
}

func (d *DB) GetAsset(id int64) (*internal.Asset, error) {
	return d.scanAsset(d.conn.QueryRow(`
SELECT id, tenantId, originalFilename, fileUri, skuNormalized, metaJson, createdAt, updatedAt
FROM assets WHERE id = ?
`, id))
}

func (d *DB) GetAssetBySku(tenantID int64, skuNormalized string) (*internal.Asset, error) {
	return d.scanAsset(d.conn.QueryRow(`
SELECT id, tenantId, originalFilename, fileUri, skuNormalized, metaJson, createdAt, updatedAt
FROM assets WHERE tenantId = ? AND skuNormalized = ?
`, tenantID, skuNormalized))
}

func (d *DB) scanAsset(row *sql.Row) (*internal.Asset, error) {
	var a internal.Asset
	var metaJSON string
	err := row.Scan(&a.ID, &a.TenantID, &a.OriginalFilename, &a.FileURI, &a.SkuNormalized, &metaJSON, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(metaJSON), &a.Meta)
	return &a, nil
}

func (d *DB) ListAssets(tenantID int64) ([]internal.Asset, error) {
	rows, err := d.conn.Query(`
SELECT id, tenantId, originalFilename, fileUri, skuNormalized, metaJson, createdAt, updatedAt
FROM assets WHERE tenantId = ? ORDER BY skuNormalized ASC
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.Asset
	for rows.Next() {
		var a internal.Asset
		var metaJSON string
		if err := rows.Scan(&a.ID, &a.TenantID, &a.OriginalFilename, &a.FileURI, &a.SkuNormalized, &metaJSON, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(metaJSON), &a.Meta)
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- jobs ---

func (d *DB) CreateJob(j internal.Job) (int64, error) {
	result, err := d.conn.Exec(`
INSERT INTO jobs (tenantId, machineId, sizingProfileId, status, mode, picklistUri)
VALUES (?, ?, ?, ?, ?, ?)
`, j.TenantID, j.MachineID, j.SizingProfileID, string(j.Status), string(j.Mode), j.PicklistURI)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (d *DB) GetJob(id int64) (*internal.Job, error) {
	var j internal.Job
	var status, mode string
	err := d.conn.QueryRow(`
SELECT id, tenantId, machineId, sizingProfileId, status, mode, picklistUri, manifestJson, createdAt, updatedAt, completedAt
FROM jobs WHERE id = ?
`, id).Scan(&j.ID, &j.TenantID, &j.MachineID, &j.SizingProfileID, &status, &mode, &j.PicklistURI, &j.ManifestJSON, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.Status = internal.JobStatus(status)
	j.Mode = internal.JobMode(mode)
	return &j, nil
}

func (d *DB) UpdateJobStatus(jobID int64, status internal.JobStatus) error {
	if status == internal.JobCompleted {
		_, err := d.conn.Exec(`
UPDATE jobs SET status = ?, updatedAt = CURRENT_TIMESTAMP, completedAt = CURRENT_TIMESTAMP WHERE id = ?
`, string(status), jobID)
		return err
	}
	_, err := d.conn.Exec(`UPDATE jobs SET status = ?, updatedAt = CURRENT_TIMESTAMP WHERE id = ?`, string(status), jobID)
	return err
}

func (d *DB) SaveJobManifest(jobID int64, m internal.Manifest) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = d.conn.Exec(`UPDATE jobs SET manifestJson = ?, updatedAt = CURRENT_TIMESTAMP WHERE id = ?`, string(raw), jobID)
	return err
}

func (d *DB) LoadJobManifest(jobID int64) (internal.Manifest, error) {
	job, err := d.GetJob(jobID)
	if err != nil {
		return internal.Manifest{}, err
	}
	if job == nil {
		return internal.Manifest{}, fmt.Errorf("job not found: %d", jobID)
	}
	var m internal.Manifest
	if job.ManifestJSON != nil && *job.ManifestJSON != "" {
		if err := json.Unmarshal([]byte(*job.ManifestJSON), &m); err != nil {
			return internal.Manifest{}, fmt.Errorf("corrupt manifest on job %d: %w", jobID, err)
		}
	}
	return m, nil
}

func (d *DB) ListJobsByStatus(status internal.JobStatus, limit int) ([]internal.Job, error) {
	rows, err := d.conn.Query(`
SELECT id, tenantId, machineId, sizingProfileId, status, mode, picklistUri, manifestJson, createdAt, updatedAt, completedAt
FROM jobs WHERE status = ? ORDER BY createdAt ASC LIMIT ?
`, string(status), limit)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

// ListJobs returns recent jobs regardless of status, newest first.
func (d *DB) ListJobs(limit int) ([]internal.Job, error) {
	rows, err := d.conn.Query(`
SELECT id, tenantId, machineId, sizingProfileId, status, mode, picklistUri, manifestJson, createdAt, updatedAt, completedAt
FROM jobs ORDER BY createdAt DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]internal.Job, error) {
	defer rows.Close()

	var out []internal.Job
	for rows.Next() {
		var j internal.Job
		var st, mode string
		if err := rows.Scan(&j.ID, &j.TenantID, &j.MachineID, &j.SizingProfileID, &st, &mode, &j.PicklistURI, &j.ManifestJSON, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt); err != nil {
			return nil, err
		}
		j.Status = internal.JobStatus(st)
		j.Mode = internal.JobMode(mode)
		out = append(out, j)
	}
	return out, rows.Err()
}

// --- job items ---

// InsertJobItems expands quantities: a match with quantity N becomes N
// rows with quantity 1 and consecutive picklist positions starting at 1,
// the order operators see on the printed picklist. All rows go
// in one transaction so a crash never leaves a partial expansion.
func (d *DB) InsertJobItems(jobID int64, matches []internal.SkuMatch) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
INSERT INTO job_items (jobId, sku, quantity, sizeLabel, picklistPosition)
VALUES (?, ?, 1, ?, ?)
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	position := 1
	for _, m := range matches {
		qty := m.Quantity
		if qty < 1 {
			qty = 1
		}
		for i := 0; i < qty; i++ {
			if _, err := stmt.Exec(jobID, m.Sku, m.SizeLabel, position); err != nil {
				return err
			}
			position++
		}
	}

	return tx.Commit()
}

func (d *DB) CountJobItems(jobID int64) (int, error) {
	var n int
	err := d.conn.QueryRow(`SELECT COUNT(*) FROM job_items WHERE jobId = ?`, jobID).Scan(&n)
	return n, err
}

func (d *DB) ListJobItems(jobID int64) ([]internal.JobItem, error) {
	rows, err := d.conn.Query(`
SELECT id, jobId, sku, quantity, sizeLabel, picklistPosition, assetId, status, finalWidthMm, finalHeightMm, baseIndex, xMm, yMm
FROM job_items WHERE jobId = ? ORDER BY picklistPosition ASC
`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.JobItem
	for rows.Next() {
		var it internal.JobItem
		var status string
		if err := rows.Scan(&it.ID, &it.JobID, &it.Sku, &it.Quantity, &it.SizeLabel, &it.PicklistPosition, &it.AssetID, &status, &it.FinalWidthMM, &it.FinalHeightMM, &it.BaseIndex, &it.XMM, &it.YMM); err != nil {
			return nil, err
		}
		it.Status = internal.ItemStatus(status)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (d *DB) GetJobItem(id int64) (*internal.JobItem, error) {
	var it internal.JobItem
	var status string
	err := d.conn.QueryRow(`
SELECT id, jobId, sku, quantity, sizeLabel, picklistPosition, assetId, status, finalWidthMm, finalHeightMm, baseIndex, xMm, yMm
FROM job_items WHERE id = ?
`, id).Scan(&it.ID, &it.JobID, &it.Sku, &it.Quantity, &it.SizeLabel, &it.PicklistPosition, &it.AssetID, &status, &it.FinalWidthMM, &it.FinalHeightMM, &it.BaseIndex, &it.XMM, &it.YMM)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	it.Status = internal.ItemStatus(status)
	return &it, nil
}

func (d *DB) UpdateItemResolution(itemID int64, status internal.ItemStatus, assetID *int64) error {
	_, err := d.conn.Exec(`UPDATE job_items SET status = ?, assetId = ? WHERE id = ?`, string(status), assetID, itemID)
	return err
}

func (d *DB) UpdateItemStatus(itemID int64, status internal.ItemStatus) error {
	_, err := d.conn.Exec(`UPDATE job_items SET status = ? WHERE id = ?`, string(status), itemID)
	return err
}

func (d *DB) UpdateItemSizing(itemID int64, widthMM, heightMM float64) error {
	_, err := d.conn.Exec(`UPDATE job_items SET finalWidthMm = ?, finalHeightMm = ? WHERE id = ?`, widthMM, heightMM, itemID)
	return err
}

// SavePlacements writes the packer output back in one transaction and
// marks the placed items packed.
func (d *DB) SavePlacements(jobID int64, result internal.PackResult) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
UPDATE job_items SET baseIndex = ?, xMm = ?, yMm = ?, status = ? WHERE id = ? AND jobId = ?
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, base := range result.Bases {
		for _, p := range base.Placements {
			if _, err := stmt.Exec(base.Index, p.XMM, p.YMM, string(internal.ItemPacked), p.ItemID, jobID); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func (d *DB) CountPendingItems(jobID int64) (int, error) {
	var n int
	err := d.conn.QueryRow(`
SELECT COUNT(*) FROM job_items
WHERE jobId = ? AND status IN (?, ?, ?)
`, jobID, string(internal.ItemMissing), string(internal.ItemAmbiguous), string(internal.ItemNeedsInput)).Scan(&n)
	return n, err
}

// DeleteJob removes a job and its items in one transaction.
func (d *DB) DeleteJob(jobID int64) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM job_items WHERE jobId = ?`, jobID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM jobs WHERE id = ?`, jobID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- mails ---

func (d *DB) UpsertMail(tenantID int64, provider, messageID, subject, sender, receivedAt, hash, rawRef, status string) (internal.MailRow, error) {
	_, err := d.conn.Exec(`
INSERT INTO mails (tenantId, provider, messageId, subject, sender, receivedAt, hash, status, rawRef)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(provider, messageId) DO UPDATE SET
  subject=excluded.subject,
  sender=excluded.sender,
  receivedAt=excluded.receivedAt,
  hash=excluded.hash,
  rawRef=excluded.rawRef,
  updatedAt=CURRENT_TIMESTAMP
`, tenantID, provider, messageID, subject, sender, receivedAt, hash, status, rawRef)
	if err != nil {
		return internal.MailRow{}, err
	}

	row, err := d.GetMailByProviderMessageID(provider, messageID)
	if err != nil {
		return internal.MailRow{}, err
	}
	if row == nil {
		return internal.MailRow{}, errors.New("failed to upsert mail")
	}
	return *row, nil
}

func (d *DB) GetMailByProviderMessageID(provider, messageID string) (*internal.MailRow, error) {
	var row internal.MailRow
	err := d.conn.QueryRow(`
SELECT id, tenantId, provider, messageId, subject, sender, receivedAt, hash, status, rawRef
FROM mails WHERE provider = ? AND messageId = ?
`, provider, messageID).Scan(
		&row.ID, &row.TenantID, &row.Provider, &row.MessageID, &row.Subject, &row.Sender, &row.ReceivedAt, &row.Hash, &row.Status, &row.RawRef,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (d *DB) ListMailsByStatus(status string, limit int) ([]internal.MailRow, error) {
	rows, err := d.conn.Query(`
SELECT id, tenantId, provider, messageId, subject, sender, receivedAt, hash, status, rawRef
FROM mails WHERE status = ? ORDER BY receivedAt ASC LIMIT ?
`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.MailRow
	for rows.Next() {
		var row internal.MailRow
		if err := rows.Scan(&row.ID, &row.TenantID, &row.Provider, &row.MessageID, &row.Subject, &row.Sender, &row.ReceivedAt, &row.Hash, &row.Status, &row.RawRef); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *DB) UpdateMailStatus(mailID int64, status string) error {
	_, err := d.conn.Exec(`UPDATE mails SET status = ?, updatedAt = CURRENT_TIMESTAMP WHERE id = ?`, status, mailID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
