package data

import (
	"gorm.io/gorm"
)

// LoadSettings reads every stored setting, keyed by name.
func LoadSettings(db *gorm.DB) (map[string]string, error) {
	var settings []Setting
	if err := db.Find(&settings).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(settings))
	for _, s := range settings {
		out[s.Name] = s.Value
	}
	return out, nil
}
