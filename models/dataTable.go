package models

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/recon_backend/config"
	"bitbucket.org/mmdatafocus/recon_backend/utils"
)

// DataTable is the internal database collaborator: user-defined tables
// whose records can feed one side of a reconciliation instead of a file.
type DataTable struct {
	ID         int           `gorm:"primary_key" json:"id"`
	BusinessId string        `gorm:"size:64;not null;index" json:"business_id"`
	Name       string        `gorm:"size:255;not null" json:"name"`
	Columns    ColumnDefList `gorm:"type:json" json:"columns"`
	CreatedAt  time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

type RawFields map[string]string

func (f RawFields) Value() (driver.Value, error) {
	if f == nil {
		f = RawFields{}
	}
	return json.Marshal(f)
}

func (f *RawFields) Scan(value interface{}) error {
	return scanJSONColumn(value, f)
}

type DataRecord struct {
	ID          int       `gorm:"primary_key" json:"id"`
	BusinessId  string    `gorm:"size:64;not null;index" json:"business_id"`
	DataTableId int       `gorm:"not null;index" json:"data_table_id"`
	Fields      RawFields `gorm:"type:json" json:"fields"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// DataTableFilter narrows a row pull to records whose column equals the
// given raw value. Zero or more filters; all must match.
type DataTableFilter struct {
	ColumnKey string `json:"column_key" binding:"required"`
	Equals    string `json:"equals"`
}

func GetDataTable(ctx context.Context, id int) (*DataTable, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	return utils.FetchModel[DataTable](ctx, businessId, id)
}

// PullDataTableRows returns raw rows for one side of a run. Filtering is
// done in process: record counts here are spreadsheet-scale and the fields
// live in a json column.
func PullDataTableRows(ctx context.Context, dataTableId int, filters []DataTableFilter) ([]map[string]string, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	table, err := utils.FetchModel[DataTable](ctx, businessId, dataTableId)
	if err != nil {
		return nil, err
	}

	validKeys := columnKeySet(table.Columns)
	for _, filter := range filters {
		if !validKeys[filter.ColumnKey] {
			return nil, NewValidationError("filter", "unknown column key "+filter.ColumnKey)
		}
	}

	db := config.GetDB()
	var records []*DataRecord
	err = db.WithContext(ctx).
		Where("business_id = ? AND data_table_id = ?", businessId, dataTableId).
		Order("id").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	rows := make([]map[string]string, 0, len(records))
	for _, record := range records {
		if !recordMatchesFilters(record.Fields, filters) {
			continue
		}
		row := make(map[string]string, len(table.Columns))
		for _, col := range table.Columns {
			row[col.Key] = record.Fields[col.Key]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func recordMatchesFilters(fields RawFields, filters []DataTableFilter) bool {
	for _, filter := range filters {
		if fields[filter.ColumnKey] != filter.Equals {
			return false
		}
	}
	return true
}
