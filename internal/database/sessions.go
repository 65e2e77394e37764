package database

import "time"

func GetSession(id string) (*Session, error) {
	var s Session
	if err := DB.First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func UpsertSession(s *Session) error {
	return DB.Save(s).Error
}

// TouchSession updates the attach status and activity timestamp. Missing
// rows are ignored: session records are owned by the web application and
// may not exist in development setups.
func TouchSession(id, status string) {
	if DB == nil {
		return
	}
	DB.Model(&Session{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":         status,
		"last_active_at": time.Now(),
	})
}
