package models

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/parser"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
)

type ReconciliationSourceType string

const (
	SourceTypeDocumentDocument ReconciliationSourceType = "document_document"
	SourceTypeDatabaseDatabase ReconciliationSourceType = "database_database"
	SourceTypeDatabaseDocument ReconciliationSourceType = "database_document"
)

func (t ReconciliationSourceType) IsValid() bool {
	switch t {
	case SourceTypeDocumentDocument, SourceTypeDatabaseDatabase, SourceTypeDatabaseDocument:
		return true
	}
	return false
}

// ColumnDef describes one column of a reconciliation source.
type ColumnDef struct {
	Key   string            `json:"key" binding:"required"`
	Label string            `json:"label"`
	Type  parser.ColumnType `json:"type" binding:"required"`
}

// MappingEntry pairs one source A column with one source B column for
// comparison. Type decides which comparison the matching engine applies.
type MappingEntry struct {
	SourceAKey string            `json:"source_a_key" binding:"required"`
	SourceBKey string            `json:"source_b_key" binding:"required"`
	Type       parser.ColumnType `json:"type" binding:"required"`
	Label      string            `json:"label"`
}

// JSON column wrappers. MySQL json columns arrive as []byte.

type ColumnDefList []ColumnDef

func (l ColumnDefList) Value() (driver.Value, error) {
	if l == nil {
		l = ColumnDefList{}
	}
	return json.Marshal(l)
}

func (l *ColumnDefList) Scan(value interface{}) error {
	return scanJSONColumn(value, l)
}

type MappingEntryList []MappingEntry

func (l MappingEntryList) Value() (driver.Value, error) {
	if l == nil {
		l = MappingEntryList{}
	}
	return json.Marshal(l)
}

func (l *MappingEntryList) Scan(value interface{}) error {
	return scanJSONColumn(value, l)
}

func scanJSONColumn(value interface{}, dest interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dest)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported json column type %T", value)
	}
}

// ReconciliationConfig declares the two sources and the column mapping for
// a reconciliation. Configs are never mutated by runs; a run takes its own
// snapshot of the mapping when it loads.
type ReconciliationConfig struct {
	ID                  int                      `gorm:"primary_key" json:"id"`
	BusinessId          string                   `gorm:"size:64;not null;index" json:"business_id"`
	Name                string                   `gorm:"size:255;not null" json:"name"`
	SourceType          ReconciliationSourceType `gorm:"size:30;not null" json:"source_type"`
	SourceAColumns      ColumnDefList            `gorm:"type:json" json:"source_a_columns"`
	SourceBColumns      ColumnDefList            `gorm:"type:json" json:"source_b_columns"`
	SourceADataTableId  int                      `json:"source_a_data_table_id"`
	SourceBDataTableId  int                      `json:"source_b_data_table_id"`
	Mapping             MappingEntryList         `gorm:"type:json" json:"mapping"`
	CreatedAt           time.Time                `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time                `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewReconciliationConfig struct {
	Name               string                   `json:"name" binding:"required"`
	SourceType         ReconciliationSourceType `json:"source_type" binding:"required"`
	SourceAColumns     []ColumnDef              `json:"source_a_columns" binding:"required"`
	SourceBColumns     []ColumnDef              `json:"source_b_columns" binding:"required"`
	SourceADataTableId int                      `json:"source_a_data_table_id"`
	SourceBDataTableId int                      `json:"source_b_data_table_id"`
	Mapping            []MappingEntry           `json:"mapping"`
}

func (input *NewReconciliationConfig) validate(ctx context.Context, businessId string, id int) error {
	if id > 0 {
		if err := utils.ValidateResourceId[ReconciliationConfig](ctx, businessId, id); err != nil {
			return err
		}
	}
	if err := utils.ValidateUnique[ReconciliationConfig](ctx, businessId, "name", input.Name, id); err != nil {
		return NewValidationError("name", err.Error())
	}
	if !input.SourceType.IsValid() {
		return NewValidationError("source_type", "invalid source type")
	}
	if err := validateColumnDefs("source_a_columns", input.SourceAColumns); err != nil {
		return err
	}
	if err := validateColumnDefs("source_b_columns", input.SourceBColumns); err != nil {
		return err
	}
	if err := ValidateMapping(input.SourceAColumns, input.SourceBColumns, input.Mapping); err != nil {
		return err
	}
	if input.SourceType == SourceTypeDatabaseDatabase || input.SourceType == SourceTypeDatabaseDocument {
		if input.SourceADataTableId > 0 {
			if err := utils.ValidateResourceId[DataTable](ctx, businessId, input.SourceADataTableId); err != nil {
				return NewValidationError("source_a_data_table_id", "data table not found")
			}
		}
	}
	if input.SourceType == SourceTypeDatabaseDatabase {
		if input.SourceBDataTableId > 0 {
			if err := utils.ValidateResourceId[DataTable](ctx, businessId, input.SourceBDataTableId); err != nil {
				return NewValidationError("source_b_data_table_id", "data table not found")
			}
		}
	}
	return nil
}

func validateColumnDefs(field string, cols []ColumnDef) error {
	if len(cols) == 0 {
		return NewValidationError(field, "at least one column is required")
	}
	seen := map[string]bool{}
	for _, col := range cols {
		key := strings.TrimSpace(col.Key)
		if key == "" {
			return NewValidationError(field, "column key cannot be blank")
		}
		if !col.Type.IsValid() {
			return NewValidationError(field, fmt.Sprintf("column %q has invalid type %q", key, col.Type))
		}
		if seen[key] {
			return NewValidationError(field, fmt.Sprintf("duplicate column key %q", key))
		}
		seen[key] = true
	}
	return nil
}

// ValidateMapping enforces the config invariant: every mapping key exists
// in the corresponding column list, and a key appears in at most one entry
// per side.
func ValidateMapping(colsA, colsB []ColumnDef, mapping []MappingEntry) error {
	keysA := columnKeySet(colsA)
	keysB := columnKeySet(colsB)

	usedA := map[string]bool{}
	usedB := map[string]bool{}
	for _, entry := range mapping {
		if !keysA[entry.SourceAKey] {
			return NewValidationError("mapping", fmt.Sprintf("source A column %q does not exist", entry.SourceAKey))
		}
		if !keysB[entry.SourceBKey] {
			return NewValidationError("mapping", fmt.Sprintf("source B column %q does not exist", entry.SourceBKey))
		}
		if usedA[entry.SourceAKey] {
			return NewValidationError("mapping", fmt.Sprintf("source A column %q is mapped more than once", entry.SourceAKey))
		}
		if usedB[entry.SourceBKey] {
			return NewValidationError("mapping", fmt.Sprintf("source B column %q is mapped more than once", entry.SourceBKey))
		}
		if !entry.Type.IsValid() {
			return NewValidationError("mapping", fmt.Sprintf("mapping %q -> %q has invalid type %q", entry.SourceAKey, entry.SourceBKey, entry.Type))
		}
		usedA[entry.SourceAKey] = true
		usedB[entry.SourceBKey] = true
	}
	return nil
}

func columnKeySet(cols []ColumnDef) map[string]bool {
	keys := make(map[string]bool, len(cols))
	for _, col := range cols {
		keys[col.Key] = true
	}
	return keys
}

type RejectedMapping struct {
	Entry  MappingEntry `json:"entry"`
	Reason string       `json:"reason"`
}

// ResolveMappings filters proposed mapping entries (typically from the AI
// suggester) down to the valid subset. This is the trust boundary:
// suggestions are never applied without passing through here. Invalid
// entries come back with reasons instead of failing the whole batch.
func ResolveMappings(colsA, colsB []ColumnDef, proposed []MappingEntry) (valid []MappingEntry, rejected []RejectedMapping) {
	keysA := columnKeySet(colsA)
	keysB := columnKeySet(colsB)
	typesA := columnTypeIndex(colsA)

	usedA := map[string]bool{}
	usedB := map[string]bool{}

	for _, entry := range proposed {
		switch {
		case !keysA[entry.SourceAKey]:
			rejected = append(rejected, RejectedMapping{entry, fmt.Sprintf("source A column %q does not exist", entry.SourceAKey)})
		case !keysB[entry.SourceBKey]:
			rejected = append(rejected, RejectedMapping{entry, fmt.Sprintf("source B column %q does not exist", entry.SourceBKey)})
		case usedA[entry.SourceAKey]:
			rejected = append(rejected, RejectedMapping{entry, fmt.Sprintf("source A column %q is already mapped", entry.SourceAKey)})
		case usedB[entry.SourceBKey]:
			rejected = append(rejected, RejectedMapping{entry, fmt.Sprintf("source B column %q is already mapped", entry.SourceBKey)})
		default:
			if !entry.Type.IsValid() {
				// Fall back to the A column's declared type rather than
				// trusting a malformed suggestion.
				entry.Type = typesA[entry.SourceAKey]
			}
			usedA[entry.SourceAKey] = true
			usedB[entry.SourceBKey] = true
			valid = append(valid, entry)
		}
	}
	return valid, rejected
}

// TypedRowsFromRaw parses raw string rows against the declared columns.
// Cells that fail to parse for their declared type come through as null,
// which the engine treats as "cannot compare", never as zero.
func TypedRowsFromRaw(cols []ColumnDef, rows []map[string]string) []parser.TypedRow {
	typed := make([]parser.TypedRow, 0, len(rows))
	for _, raw := range rows {
		row := make(parser.TypedRow, len(cols))
		for _, col := range cols {
			row[col.Key] = parser.ParseValue(raw[col.Key], col.Type)
		}
		typed = append(typed, row)
	}
	return typed
}

func columnTypeIndex(cols []ColumnDef) map[string]parser.ColumnType {
	types := make(map[string]parser.ColumnType, len(cols))
	for _, col := range cols {
		types[col.Key] = col.Type
	}
	return types
}

func CreateReconciliationConfig(ctx context.Context, input *NewReconciliationConfig) (*ReconciliationConfig, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, 0); err != nil {
		return nil, err
	}

	reconciliationConfig := ReconciliationConfig{
		BusinessId:         businessId,
		Name:               input.Name,
		SourceType:         input.SourceType,
		SourceAColumns:     ColumnDefList(input.SourceAColumns),
		SourceBColumns:     ColumnDefList(input.SourceBColumns),
		SourceADataTableId: input.SourceADataTableId,
		SourceBDataTableId: input.SourceBDataTableId,
		Mapping:            MappingEntryList(input.Mapping),
	}

	// db action
	db := config.GetDB()
	err := db.WithContext(ctx).Create(&reconciliationConfig).Error
	if err != nil {
		return nil, err
	}

	return &reconciliationConfig, nil
}

func UpdateReconciliationConfig(ctx context.Context, id int, input *NewReconciliationConfig) (*ReconciliationConfig, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	if err := input.validate(ctx, businessId, id); err != nil {
		return nil, err
	}

	reconciliationConfig, err := utils.FetchModel[ReconciliationConfig](ctx, businessId, id)
	if err != nil {
		return nil, err
	}

	// db action
	db := config.GetDB()
	err = db.WithContext(ctx).Model(&reconciliationConfig).Updates(map[string]interface{}{
		"Name":               input.Name,
		"SourceType":         input.SourceType,
		"SourceAColumns":     ColumnDefList(input.SourceAColumns),
		"SourceBColumns":     ColumnDefList(input.SourceBColumns),
		"SourceADataTableId": input.SourceADataTableId,
		"SourceBDataTableId": input.SourceBDataTableId,
		"Mapping":            MappingEntryList(input.Mapping),
	}).Error
	if err != nil {
		return nil, err
	}

	// Drop the cached snapshot so the next read sees the new mapping.
	_ = config.RemoveRedisKey(reconciliationConfigCacheKey(businessId, id))

	return reconciliationConfig, nil
}

func reconciliationConfigCacheKey(businessId string, id int) string {
	return fmt.Sprintf("ReconciliationConfig:%s:%d", businessId, id)
}

func GetReconciliationConfig(ctx context.Context, id int) (*ReconciliationConfig, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	// Cache is best-effort; a Redis miss or outage falls through to the DB.
	var cached ReconciliationConfig
	if found, err := config.GetRedisObject(reconciliationConfigCacheKey(businessId, id), &cached); err == nil && found {
		return &cached, nil
	}

	result, err := utils.FetchModel[ReconciliationConfig](ctx, businessId, id)
	if err != nil {
		return nil, err
	}
	_ = config.SetRedisObject(reconciliationConfigCacheKey(businessId, id), result, time.Hour)
	return result, nil
}

func GetReconciliationConfigs(ctx context.Context, name *string) ([]*ReconciliationConfig, error) {

	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var results []*ReconciliationConfig
	dbCtx := db.WithContext(ctx).Where("business_id = ?", businessId)
	if name != nil && len(*name) > 0 {
		dbCtx = dbCtx.Where("name LIKE ?", "%"+*name+"%").Limit(config.SearchLimit)
	}
	if err := dbCtx.Order("name").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
