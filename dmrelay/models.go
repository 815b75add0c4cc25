package dmrelay

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

const (
	columnTimestamp = "timestamp"
	columnUsername  = "username"

	dispatchKindSingle = "single"
	dispatchKindBulk   = "bulk"
)

// TokenSubmission is a bot token submitted via the token intake endpoint.
// Records are never updated or deleted.
type TokenSubmission struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	BotToken  string    `gorm:"not null" json:"botToken" log:"[redacted]"`
	ClientID  *string   `json:"clientId"`
	Timestamp time.Time `gorm:"index;not null" json:"timestamp"`
}

func (t TokenSubmission) LogValue() slog.Value {
	return structToSlogValue(t)
}

// MessageReply is an inbound message observed by a reply listener (or
// posted to the reply ingestion endpoint). Records are never updated
// or deleted.
type MessageReply struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	UserID              string    `gorm:"not null;index" json:"userId"`
	Username            string    `gorm:"not null" json:"username"`
	Content             string    `json:"content"`
	MessageID           string    `gorm:"index" json:"messageId"`
	ReferencedMessageID *string   `json:"referencedMessageId,omitempty"`
	Timestamp           time.Time `gorm:"index;not null" json:"timestamp"`
	AvatarURL           *string   `json:"avatarUrl"`
	GuildID             *string   `json:"guildId"`
	GuildName           *string   `json:"guildName"`
}

func (m MessageReply) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(m.ID)),
		slog.String("user_id", m.UserID),
		slog.String("username", m.Username),
		slog.String("message_id", m.MessageID),
		slog.String("guild_id", stringPointerValue(m.GuildID)),
	)
}

// AppUser is an application (admin) account
type AppUser struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	Username string `gorm:"uniqueIndex;not null" json:"username"`
	Password string `gorm:"not null" json:"-" log:"[redacted]"`
}

// DispatchLog records the outcome of a single or bulk dispatch. The
// token used is never stored here.
type DispatchLog struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	CreatedAt  time.Time  `gorm:"index" json:"createdAt"`
	Kind       string     `gorm:"not null" json:"kind"`
	Requested  int        `json:"requested"`
	SelectAll  bool       `json:"selectAll"`
	GuildID    string     `json:"guildId,omitempty"`
	DelayMS    int        `json:"delayMs"`
	Attempted  int        `json:"attempted"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	FailedIDs  StringList `json:"failedIds"`
	DurationMS int64      `json:"durationMs"`
	Error      string     `json:"error,omitempty"`
}

// StringList is a []string stored as a JSON array
type StringList []string

// Scan implements the sql.Scanner interface.
func (s *StringList) Scan(value any) error {
	var data []byte
	switch v := value.(type) {
	case nil:
		*s = StringList{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unexpected type for StringList: %T", value)
	}
	if len(data) == 0 {
		*s = StringList{}
		return nil
	}
	return json.Unmarshal(data, (*[]string)(s))
}

// Value implements the driver.Valuer interface.
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GormDataType is used by GORM to determine the default data type for a field.
func (StringList) GormDataType() string {
	return "text"
}

// MarshalJSON always renders a JSON array, never null
func (s StringList) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(s))
}
