package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/capitalize-ai/whatsapp-gateway/internal/model"
)

type companyRow struct {
	ID          string  `gorm:"primaryKey;size:36"`
	Name        string  `gorm:"size:255;not null"`
	Description string  `gorm:"type:text"`
	PhoneNumber *string `gorm:"size:32;uniqueIndex:ux_companies_phone"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (companyRow) TableName() string { return "companies" }

type conversationRow struct {
	ID           string    `gorm:"primaryKey;size:36"`
	CompanyID    string    `gorm:"size:36;not null;uniqueIndex:ux_conversations_counterpart,priority:1"`
	SenderPhone  string    `gorm:"size:32;not null;uniqueIndex:ux_conversations_counterpart,priority:2"`
	SenderName   string    `gorm:"size:255"`
	SenderImage  *string   `gorm:"type:text"`
	CompanyPhone string    `gorm:"size:32"`
	LastUpdated  time.Time `gorm:"index"`
	LastRead     *time.Time
	AIEnabled    bool
	UnreadCount  int
	Status       string             `gorm:"size:16;not null"`
	ContactInfo  *model.ContactInfo `gorm:"type:text;serializer:json"`
	CreatedAt    time.Time
}

func (conversationRow) TableName() string { return "conversations" }

type messageRow struct {
	Seq            uint64    `gorm:"primaryKey;autoIncrement"`
	ConversationID string    `gorm:"size:36;not null;uniqueIndex:ux_messages_id,priority:1"`
	MessageID      string    `gorm:"size:128;not null;uniqueIndex:ux_messages_id,priority:2"`
	Content        string    `gorm:"type:text"`
	Direction      string    `gorm:"size:8;not null"`
	Timestamp      time.Time `gorm:"not null"`
	IsAI           bool
	ImageURL       *string `gorm:"type:text"`
	Read           bool
}

func (messageRow) TableName() string { return "messages" }

var errDuplicate = errors.New("duplicate message")

// Open connects gorm to "postgres" or "sqlite". Unique violations come
// back as gorm.ErrDuplicatedKey.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	return db, nil
}

// Migrate creates or updates the tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&companyRow{}, &conversationRow{}, &messageRow{})
}

// Store implements MessageStore and CompanyStore on gorm.
type Store struct {
	db    *gorm.DB
	locks *keyedMutex
	now   func() time.Time
}

// New creates a Store on a migrated database.
func New(db *gorm.DB) *Store {
	return &Store{db: db, locks: newKeyedMutex(), now: time.Now}
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) UpsertConversation(ctx context.Context, companyID string, cp model.Counterpart) (model.Conversation, bool, error) {
	db := s.db.WithContext(ctx)

	var row conversationRow
	err := db.Where("company_id = ? AND sender_phone = ?", companyID, cp.Phone).First(&row).Error
	switch {
	case err == nil:
		updates := map[string]any{}
		if cp.Name != "" && cp.Name != row.SenderName {
			updates["sender_name"] = cp.Name
			row.SenderName = cp.Name
		}
		if cp.Image != nil && (row.SenderImage == nil || *row.SenderImage != *cp.Image) {
			updates["sender_image"] = *cp.Image
			row.SenderImage = cp.Image
		}
		if cp.CompanyPhone != "" && cp.CompanyPhone != row.CompanyPhone {
			updates["company_phone"] = cp.CompanyPhone
			row.CompanyPhone = cp.CompanyPhone
		}
		if len(updates) > 0 {
			if err := db.Model(&conversationRow{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
				return model.Conversation{}, false, fmt.Errorf("refresh counterpart: %w", err)
			}
		}
		return row.toModel(nil), false, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return model.Conversation{}, false, err
	}

	now := s.now().UTC()
	row = conversationRow{
		ID:           NewID(),
		CompanyID:    companyID,
		SenderPhone:  cp.Phone,
		SenderName:   cp.Name,
		SenderImage:  cp.Image,
		CompanyPhone: cp.CompanyPhone,
		LastUpdated:  now,
		Status:       string(model.ConversationActive),
		CreatedAt:    now,
	}
	if row.SenderName == "" {
		row.SenderName = cp.Phone
	}
	if err := db.Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost a race with another insert for the same counterpart.
			var existing conversationRow
			if err := db.Where("company_id = ? AND sender_phone = ?", companyID, cp.Phone).First(&existing).Error; err != nil {
				return model.Conversation{}, false, err
			}
			return existing.toModel(nil), false, nil
		}
		return model.Conversation{}, false, err
	}
	return row.toModel(nil), true, nil
}

func (s *Store) AppendIfNew(ctx context.Context, conversationID string, msg model.Message) (bool, error) {
	unlock := s.locks.Lock(conversationID)
	defer unlock()

	msg = normalizeMessage(msg)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv conversationRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", conversationID).First(&conv).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.ErrNotFound
		}
		if err != nil {
			return err
		}

		dup, err := containsMessage(tx, conversationID, msg)
		if err != nil {
			return err
		}
		if dup {
			return errDuplicate
		}

		row := fromMessage(conversationID, msg)
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return errDuplicate
			}
			return err
		}

		updates := map[string]any{"last_updated": s.now().UTC()}
		if msg.Direction == model.DirectionIn {
			updates["unread_count"] = gorm.Expr("unread_count + ?", 1)
		}
		return tx.Model(&conversationRow{}).Where("id = ?", conversationID).Updates(updates).Error
	})
	if errors.Is(err, errDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// containsMessage looks for msg by id, then by content and direction with
// an equal timestamp.
func containsMessage(tx *gorm.DB, conversationID string, msg model.Message) (bool, error) {
	var n int64
	if err := tx.Model(&messageRow{}).
		Where("conversation_id = ? AND message_id = ?", conversationID, msg.MessageID).
		Count(&n).Error; err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var candidates []messageRow
	if err := tx.Where("conversation_id = ? AND content = ? AND direction = ?",
		conversationID, msg.Content, string(msg.Direction)).
		Find(&candidates).Error; err != nil {
		return false, err
	}
	for _, c := range candidates {
		if c.toModel().SameAs(msg) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) SetAIEnabled(ctx context.Context, conversationID string, enabled bool) error {
	res := s.db.WithContext(ctx).Model(&conversationRow{}).
		Where("id = ?", conversationID).Update("ai_enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *Store) ToggleAI(ctx context.Context, conversationID string) (bool, error) {
	var enabled bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row conversationRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", conversationID).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.ErrNotFound
		}
		if err != nil {
			return err
		}
		enabled = !row.AIEnabled
		return tx.Model(&conversationRow{}).Where("id = ?", conversationID).Update("ai_enabled", enabled).Error
	})
	return enabled, err
}

func (s *Store) MarkRead(ctx context.Context, conversationID string) error {
	now := s.now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&conversationRow{}).Where("id = ?", conversationID).
			Updates(map[string]any{"unread_count": 0, "last_read": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return model.ErrNotFound
		}
		return tx.Model(&messageRow{}).
			Where("conversation_id = ? AND direction = ? AND read = ?", conversationID, string(model.DirectionIn), false).
			Update("read", true).Error
	})
}

func (s *Store) ListConversations(ctx context.Context, companyID string) ([]model.Conversation, error) {
	db := s.db.WithContext(ctx)

	var rows []conversationRow
	if err := db.Where("company_id = ? AND status = ?", companyID, string(model.ConversationActive)).
		Order("last_updated DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []model.Conversation{}, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	var msgs []messageRow
	if err := db.Where("conversation_id IN ?", ids).Order("seq").Find(&msgs).Error; err != nil {
		return nil, err
	}
	byConv := make(map[string][]model.Message, len(rows))
	for _, m := range msgs {
		byConv[m.ConversationID] = append(byConv[m.ConversationID], m.toModel())
	}

	out := make([]model.Conversation, len(rows))
	for i, r := range rows {
		out[i] = r.toModel(byConv[r.ID])
	}
	return out, nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (model.Conversation, error) {
	db := s.db.WithContext(ctx)

	var row conversationRow
	err := db.Where("id = ?", conversationID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Conversation{}, model.ErrNotFound
	}
	if err != nil {
		return model.Conversation{}, err
	}
	msgs, err := s.messages(db, conversationID)
	if err != nil {
		return model.Conversation{}, err
	}
	return row.toModel(msgs), nil
}

func (s *Store) FindByCounterpart(ctx context.Context, companyID, phone string) (model.Conversation, error) {
	var row conversationRow
	err := s.db.WithContext(ctx).Where("company_id = ? AND sender_phone = ?", companyID, phone).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Conversation{}, model.ErrNotFound
	}
	if err != nil {
		return model.Conversation{}, err
	}
	return row.toModel(nil), nil
}

func (s *Store) HasMessage(ctx context.Context, conversationID, messageID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&messageRow{}).
		Where("conversation_id = ? AND message_id = ?", conversationID, messageID).Count(&n).Error
	return n > 0, err
}

func (s *Store) RecentMessages(ctx context.Context, conversationID string, n int) ([]model.Message, error) {
	var rows []messageRow
	if err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).
		Order("seq DESC").Limit(n).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Message, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.toModel()
	}
	return out, nil
}

func (s *Store) UpdateContactInfo(ctx context.Context, conversationID string, info model.ContactInfo) error {
	res := s.db.WithContext(ctx).Model(&conversationRow{ID: conversationID}).
		Select("contact_info").Updates(&conversationRow{ContactInfo: &info})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *Store) ClearAll(ctx context.Context, companyID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if companyID == "" {
			all := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
			if err := all.Delete(&messageRow{}).Error; err != nil {
				return err
			}
			return all.Delete(&conversationRow{}).Error
		}
		sub := tx.Model(&conversationRow{}).Select("id").Where("company_id = ?", companyID)
		if err := tx.Where("conversation_id IN (?)", sub).Delete(&messageRow{}).Error; err != nil {
			return err
		}
		return tx.Where("company_id = ?", companyID).Delete(&conversationRow{}).Error
	})
}

func (s *Store) messages(db *gorm.DB, conversationID string) ([]model.Message, error) {
	var rows []messageRow
	if err := db.Where("conversation_id = ?", conversationID).Order("seq").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Message, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (s *Store) CreateCompany(ctx context.Context, c model.Company) (model.Company, error) {
	now := s.now().UTC()
	row := companyRow{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		PhoneNumber: c.PhoneNumber,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if row.ID == "" {
		row.ID = NewID()
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return model.Company{}, model.Validationf("company %s already exists", row.ID)
		}
		return model.Company{}, err
	}
	return row.toModel(), nil
}

func (s *Store) GetCompany(ctx context.Context, id string) (model.Company, error) {
	var row companyRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Company{}, model.ErrNotFound
	}
	if err != nil {
		return model.Company{}, err
	}
	return row.toModel(), nil
}

func (s *Store) ListCompanies(ctx context.Context) ([]model.Company, error) {
	var rows []companyRow
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Company, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

func (s *Store) ClaimPhone(ctx context.Context, companyID, phone string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner companyRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("phone_number = ? AND id <> ?", phone, companyID).First(&owner).Error
		if err == nil {
			return &model.PhoneConflictError{Phone: phone, OwnerID: owner.ID}
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		res := tx.Model(&companyRow{}).Where("id = ?", companyID).
			Updates(map[string]any{"phone_number": phone, "updated_at": s.now().UTC()})
		if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return &model.PhoneConflictError{Phone: phone}
		}
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("company %s: %w", companyID, model.ErrNotFound)
		}
		return nil
	})
}

func (s *Store) ReleasePhone(ctx context.Context, companyID string) error {
	return s.db.WithContext(ctx).Model(&companyRow{}).Where("id = ?", companyID).
		Updates(map[string]any{"phone_number": nil, "updated_at": s.now().UTC()}).Error
}

func (r conversationRow) toModel(msgs []model.Message) model.Conversation {
	c := model.Conversation{
		ID:           r.ID,
		CompanyID:    r.CompanyID,
		SenderPhone:  r.SenderPhone,
		SenderName:   r.SenderName,
		SenderImage:  r.SenderImage,
		CompanyPhone: r.CompanyPhone,
		Messages:     msgs,
		LastUpdated:  r.LastUpdated,
		LastRead:     r.LastRead,
		AIEnabled:    r.AIEnabled,
		UnreadCount:  r.UnreadCount,
		Status:       model.ConversationStatus(r.Status),
		ContactInfo:  r.ContactInfo,
		CreatedAt:    r.CreatedAt,
	}
	if c.Messages == nil {
		c.Messages = []model.Message{}
	}
	return c
}

func fromMessage(conversationID string, m model.Message) messageRow {
	return messageRow{
		ConversationID: conversationID,
		MessageID:      m.MessageID,
		Content:        m.Content,
		Direction:      string(m.Direction),
		Timestamp:      m.Timestamp,
		IsAI:           m.IsAI,
		ImageURL:       m.ImageURL,
		Read:           m.Read,
	}
}

func (r messageRow) toModel() model.Message {
	return model.Message{
		MessageID: r.MessageID,
		Content:   r.Content,
		Direction: model.Direction(r.Direction),
		Timestamp: r.Timestamp.UTC(),
		IsAI:      r.IsAI,
		ImageURL:  r.ImageURL,
		Read:      r.Read,
	}
}

func (r companyRow) toModel() model.Company {
	return model.Company{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		PhoneNumber: r.PhoneNumber,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}
