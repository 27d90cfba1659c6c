// persistence/gorm_postgresql.go
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/wfunc/casefile/config"
	"github.com/wfunc/casefile/models"
	"github.com/wfunc/casefile/state"
)

// GormPostgreSQL is the production Store. Lifecycle writes lock the case row
// and then its participation row with SELECT ... FOR UPDATE.
type GormPostgreSQL struct {
	db *gorm.DB
}

// NewGormPostgreSQL connects with the configured DSN and migrates the schema.
func NewGormPostgreSQL(cfg config.DatabaseConfig) (*GormPostgreSQL, error) {
	return OpenGormPostgreSQL(cfg.Postgres.DSN(), cfg)
}

// OpenGormPostgreSQL is NewGormPostgreSQL with an explicit DSN, in either key=value or URL form.
func OpenGormPostgreSQL(dsn string, cfg config.DatabaseConfig) (*GormPostgreSQL, error) {
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(models.All()...); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &GormPostgreSQL{db: db}, nil
}

func (p *GormPostgreSQL) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx})
	})
}

func (p *GormPostgreSQL) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// translate maps gorm errors onto the package sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrRecordNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) forUpdate() *gorm.DB {
	return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func (t *gormTx) LockCase(caseID int64) (*models.Case, error) {
	var c models.Case
	if err := t.forUpdate().First(&c, caseID).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (t *gormTx) LockParticipation(caseID int64) (*models.Participation, error) {
	var part models.Participation
	if err := t.forUpdate().Where("case_id = ?", caseID).First(&part).Error; err != nil {
		return nil, translate(err)
	}
	return &part, nil
}

func (t *gormTx) CreateParticipation(part *models.Participation) error {
	return translate(t.db.Create(part).Error)
}

func (t *gormTx) SaveParticipation(part *models.Participation) error {
	return translate(t.db.Save(part).Error)
}

func (t *gormTx) SetCaseStatus(caseID int64, status state.Status) error {
	res := t.db.Model(&models.Case{}).Where("id = ?", caseID).Update("status", status)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (t *gormTx) GetUser(userID int64) (*models.User, error) {
	var u models.User
	if err := t.db.First(&u, userID).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (t *gormTx) ListEvidence(caseID int64) ([]models.EvidenceItem, error) {
	var items []models.EvidenceItem
	err := t.db.Where("case_id = ?", caseID).Order("id").Find(&items).Error
	return items, translate(err)
}

// LedgerBalance is a single statement so both values come from the same snapshot.
func (t *gormTx) LedgerBalance(userID int64) (models.LedgerMismatch, error) {
	var rows []models.LedgerMismatch
	if err := t.db.Raw(userLedgerSQL, userID).Scan(&rows).Error; err != nil {
		return models.LedgerMismatch{}, translate(err)
	}
	if len(rows) == 0 {
		return models.LedgerMismatch{}, ErrRecordNotFound
	}
	return rows[0], nil
}

func (t *gormTx) HasSubmittedEvidence(caseID int64) (bool, error) {
	var n int64
	err := t.db.Model(&models.SubmittedEvidence{}).Where("case_id = ?", caseID).Count(&n).Error
	return n > 0, translate(err)
}

// ReplaceSubmittedEvidence deletes the previous set before inserting, inside the caller's transaction.
func (t *gormTx) ReplaceSubmittedEvidence(caseID int64, items []models.SubmittedEvidence) error {
	if err := t.db.Where("case_id = ?", caseID).Delete(&models.SubmittedEvidence{}).Error; err != nil {
		return translate(err)
	}
	if len(items) == 0 {
		return nil
	}
	for i := range items {
		items[i].ID = 0
		items[i].CaseID = caseID
	}
	return translate(t.db.Create(&items).Error)
}

func (t *gormTx) AppendScoreEntry(entry *models.ScoreEntry) error {
	return translate(t.db.Create(entry).Error)
}

func (t *gormTx) AddUserScore(userID int64, delta int64) error {
	res := t.db.Model(&models.User{}).
		Where("id = ?", userID).
		UpdateColumn("score", gorm.Expr("score + ?", delta))
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (p *GormPostgreSQL) GetCase(ctx context.Context, caseID int64) (*models.Case, error) {
	var c models.Case
	if err := p.db.WithContext(ctx).First(&c, caseID).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (p *GormPostgreSQL) ListCases(ctx context.Context, statuses ...state.Status) ([]models.Case, error) {
	q := p.db.WithContext(ctx).Order("id")
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var cases []models.Case
	return cases, translate(q.Find(&cases).Error)
}

func (p *GormPostgreSQL) ListCasesByID(ctx context.Context, caseIDs []int64) ([]models.Case, error) {
	if len(caseIDs) == 0 {
		return nil, nil
	}
	var cases []models.Case
	err := p.db.WithContext(ctx).Where("id IN ?", caseIDs).Order("id").Find(&cases).Error
	return cases, translate(err)
}

func (p *GormPostgreSQL) GetParticipation(ctx context.Context, caseID int64) (*models.Participation, error) {
	var part models.Participation
	if err := p.db.WithContext(ctx).Where("case_id = ?", caseID).First(&part).Error; err != nil {
		return nil, translate(err)
	}
	return &part, nil
}

func (p *GormPostgreSQL) ListParticipationsByRole(ctx context.Context, role models.Role, userID int64) ([]models.Participation, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	var parts []models.Participation
	err := p.db.WithContext(ctx).
		Where(role.Column()+" = ?", userID).
		Order("case_id").
		Find(&parts).Error
	return parts, translate(err)
}

func (p *GormPostgreSQL) ListParticipations(ctx context.Context, caseIDs []int64) ([]models.Participation, error) {
	if len(caseIDs) == 0 {
		return nil, nil
	}
	var parts []models.Participation
	err := p.db.WithContext(ctx).Where("case_id IN ?", caseIDs).Order("case_id").Find(&parts).Error
	return parts, translate(err)
}

func (p *GormPostgreSQL) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	var u models.User
	if err := p.db.WithContext(ctx).First(&u, userID).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (p *GormPostgreSQL) GetUsers(ctx context.Context, userIDs []int64) (map[int64]models.User, error) {
	out := make(map[int64]models.User, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	var users []models.User
	if err := p.db.WithContext(ctx).Where("id IN ?", userIDs).Find(&users).Error; err != nil {
		return nil, translate(err)
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

func (p *GormPostgreSQL) TopUsers(ctx context.Context, limit int) ([]models.User, error) {
	var users []models.User
	err := p.db.WithContext(ctx).Order("score DESC").Order("id").Limit(limit).Find(&users).Error
	return users, translate(err)
}

func (p *GormPostgreSQL) ListEvidence(ctx context.Context, caseID int64) ([]models.EvidenceItem, error) {
	return (&gormTx{db: p.db.WithContext(ctx)}).ListEvidence(caseID)
}

func (p *GormPostgreSQL) ListSubmittedEvidence(ctx context.Context, caseID int64) ([]models.SubmittedEvidence, error) {
	var items []models.SubmittedEvidence
	err := p.db.WithContext(ctx).Where("case_id = ?", caseID).Order("id").Find(&items).Error
	return items, translate(err)
}

func (p *GormPostgreSQL) ListScoreEntries(ctx context.Context, userID int64) ([]models.ScoreEntry, error) {
	var entries []models.ScoreEntry
	err := p.db.WithContext(ctx).Where("user_id = ?", userID).Order("id").Find(&entries).Error
	return entries, translate(err)
}

func (p *GormPostgreSQL) LedgerMismatches(ctx context.Context) ([]models.LedgerMismatch, error) {
	var out []models.LedgerMismatch
	err := p.db.WithContext(ctx).Raw(ledgerMismatchSQL).Scan(&out).Error
	return out, translate(err)
}

func (p *GormPostgreSQL) CreateUser(ctx context.Context, user *models.User) error {
	return translate(p.db.WithContext(ctx).Create(user).Error)
}

// CreateCase inserts the case and its evidence catalogue together. An empty status becomes REGISTERED.
func (p *GormPostgreSQL) CreateCase(ctx context.Context, c *models.Case, evidence []models.EvidenceItem) error {
	if c.Status == "" {
		c.Status = state.StatusRegistered
	}
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(c).Error; err != nil {
			return translate(err)
		}
		if len(evidence) == 0 {
			return nil
		}
		for i := range evidence {
			evidence[i].CaseID = c.ID
		}
		return translate(tx.Create(&evidence).Error)
	})
}

// ledgerMismatchSQL is shared by the gorm store and the lib/pq auditor.
const ledgerMismatchSQL = `
SELECT u.id AS user_id, u.score AS cached, COALESCE(SUM(e.delta), 0) AS ledger
FROM users u
LEFT JOIN score_entries e ON e.user_id = u.id
GROUP BY u.id, u.score
HAVING u.score <> COALESCE(SUM(e.delta), 0)
ORDER BY u.id`

const userLedgerSQL = `
SELECT u.id AS user_id, u.score AS cached, COALESCE(SUM(e.delta), 0) AS ledger
FROM users u
LEFT JOIN score_entries e ON e.user_id = u.id
WHERE u.id = ?
GROUP BY u.id, u.score`
