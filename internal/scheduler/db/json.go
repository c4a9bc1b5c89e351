package db

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

// JSON is an opaque JSON document stored in a json column. The scheduler
// never interprets it beyond the abort marker check.
type JSON []byte

// Value implements driver.Valuer. Documents are stored as text so the same
// model works on both the mysql and sqlite dialects.
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSON) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSON(v)
	default:
		return fmt.Errorf("cannot scan %T into db.JSON", value)
	}
	return nil
}

// GormDataType tells gorm which column type to migrate to.
func (JSON) GormDataType() string {
	return "json"
}

func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSON) UnmarshalJSON(data []byte) error {
	if j == nil {
		return errors.New("db.JSON: UnmarshalJSON on nil pointer")
	}
	*j = append((*j)[:0], data...)
	return nil
}
