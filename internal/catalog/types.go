package catalog

import (
	"context"
	"errors"
	"strings"

	"tagtrace.org/internal/station"
)

var (
	ErrNoModelsFound  = errors.New("no models found for this station/plant")
	ErrModelNotFound  = errors.New("model not found")
	ErrAmbiguousModel = errors.New("supplier part matches more than one model")
)

const (
	DefaultScanType      = "Enter"
	DefaultDelimiterType = "Enter"

	LotLockEnable   = "Enable"
	LotLockDisable  = "Disable"
	LotLockStandard = "STANDARD"
)

// ModelRecord is a read-only snapshot of one producible part within a scope.
type ModelRecord struct {
	SupplierPart        string    `json:"supplier_part" toml:"supplier_part"`
	SupplierPartName    string    `json:"supplier_part_name" toml:"supplier_part_name"`
	PartNo              string    `json:"part_no" toml:"part_no"`
	PartName            string    `json:"part_name" toml:"part_name"`
	SupplierCode        string    `json:"supplier_code" toml:"supplier_code"`
	LotSize             int       `json:"lot_size" toml:"lot_size"`
	SupplierPartLotSize int       `json:"supplier_part_lot_size" toml:"supplier_part_lot_size"`
	SupplierPartWeight  float64   `json:"supplier_part_weight" toml:"supplier_part_weight"`
	ToleranceWeight     float64   `json:"tolerance_weight" toml:"tolerance_weight"`
	BinQty              int       `json:"bin_qty" toml:"bin_qty"`
	BinWeight           float64   `json:"bin_weight" toml:"bin_weight"`
	BinToleranceWeight  float64   `json:"bin_tolerance_weight" toml:"bin_tolerance_weight"`
	WeighingScale       string    `json:"weighing_scale" toml:"weighing_scale"`
	SupplierPartImage   string    `json:"supplier_part_image" toml:"supplier_part_image"`
	ImageName           string    `json:"image_name" toml:"image_name"`
	Shift               string    `json:"shift" toml:"shift"`
	PrintCycleTime      int       `json:"print_cycle_time" toml:"print_cycle_time"`
	TotalNoOfDigits     int       `json:"total_no_of_digits" toml:"total_no_of_digits"`
	NoOfSteps           int       `json:"no_of_steps" toml:"no_of_steps"`
	StepDigits          [6]int    `json:"step_digits" toml:"step_digits"`
	StepScanTypes       [6]string `json:"step_scan_types" toml:"step_scan_types"`
	DelimiterType       string    `json:"delimiter_type" toml:"delimiter_type"`
	CharacterLengthFrom int       `json:"character_length_from" toml:"character_length_from"`
	CharacterLengthTo   int       `json:"character_length_to" toml:"character_length_to"`
	LotLockType         string    `json:"lot_lock_type" toml:"lot_lock_type"`
}

// WithDefaults fills the scan/delimiter/lock configuration the terminal
// expects when the catalog row leaves it blank.
func (m ModelRecord) WithDefaults() ModelRecord {
	for i := range m.StepScanTypes {
		if strings.TrimSpace(m.StepScanTypes[i]) == "" {
			m.StepScanTypes[i] = DefaultScanType
		}
	}
	if strings.TrimSpace(m.DelimiterType) == "" {
		m.DelimiterType = DefaultDelimiterType
	}
	if strings.TrimSpace(m.LotLockType) == "" {
		m.LotLockType = LotLockEnable
	}
	return m
}

// LockingAllowed reports whether the part's lot lock type permits locking.
func (m ModelRecord) LockingAllowed() bool {
	return !strings.EqualFold(strings.TrimSpace(m.LotLockType), LotLockDisable)
}

// Source is the catalog lookup service. Records are returned in catalog order.
type Source interface {
	Models(ctx context.Context, scope station.Scope) ([]ModelRecord, error)
	ModelsByPart(ctx context.Context, scope station.Scope, supplierPartNo string) ([]ModelRecord, error)
}
