package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	ProviderSession  = "session"
	ProviderTwilio   = "twilio"
	ProviderCloudAPI = "cloudapi"
)

const (
	AudienceAll         = "all"
	AudienceNewContacts = "new_contacts"
	AudienceWhitelist   = "whitelist"
	AudienceBlacklist   = "blacklist"
)

const (
	RoleUser  = "user"
	RoleBot   = "bot"
	RoleAgent = "agent"
)

const (
	ChannelWhatsApp = "whatsapp"
	ChannelWeb      = "web"
)

const DefaultTimezone = "America/Sao_Paulo"

// Business holds the per-tenant chatbot configuration.
type Business struct {
	ID                 string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name               string `gorm:"type:varchar(255)" json:"name"`
	WhatsAppProvider   string `gorm:"type:varchar(20)" json:"whatsapp_provider"` // session, twilio, cloudapi
	TwilioFrom         string `gorm:"type:varchar(32)" json:"twilio_from"`
	CloudPhoneNumberID string `gorm:"type:varchar(64)" json:"cloud_phone_number_id"`
	Timezone           string `gorm:"type:varchar(64)" json:"timezone"`

	AIDisabled    bool            `json:"ai_disabled"`
	AudienceMode  string          `gorm:"type:varchar(20)" json:"audience_mode"`
	WhitelistTags []string        `gorm:"serializer:json" json:"whitelist_tags"`
	BlacklistTags []string        `gorm:"serializer:json" json:"blacklist_tags"`
	Hours         *OperatingHours `gorm:"serializer:json" json:"operating_hours"`
	AwayMessage   string          `gorm:"type:text" json:"away_message"`

	BotName            string        `gorm:"type:varchar(100)" json:"bot_name"`
	Tone               string        `gorm:"type:text" json:"tone"`
	CustomInstructions string        `gorm:"type:text" json:"custom_instructions"`
	ChatPrompt         string        `gorm:"type:text" json:"chat_prompt"`   // legacy single-block persona
	VisionPrompt       string        `gorm:"type:text" json:"vision_prompt"` // hint for image description
	FunnelStages       []FunnelStage `gorm:"serializer:json" json:"funnel_stages"`
	FallbackReply      string        `gorm:"type:text" json:"fallback_reply"`
	MinNoticeMinutes   int           `json:"min_notice_minutes"`

	Products          []Product          `gorm:"serializer:json" json:"products"`
	MenuOptions       []MenuOption       `gorm:"serializer:json" json:"menu_options"`
	Social            SocialMedia        `gorm:"serializer:json" json:"social_media"`
	FollowUpSteps     []FollowUpStep     `gorm:"serializer:json" json:"follow_up_steps"`
	NotificationRules []NotificationRule `gorm:"serializer:json" json:"notification_rules"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Business) TableName() string {
	return "businesses"
}

func (b *Business) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// Location resolves the business timezone, falling back to the hours
// timezone and then the platform default.
func (b *Business) Location() *time.Location {
	name := b.Timezone
	if name == "" && b.Hours != nil {
		name = b.Hours.Timezone
	}
	if name == "" {
		name = DefaultTimezone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

type OperatingHours struct {
	Active   bool   `json:"active"`
	Opening  string `json:"opening"` // HH:mm
	Closing  string `json:"closing"` // HH:mm
	Timezone string `json:"timezone"`
}

type FunnelStage struct {
	Tag      string `json:"tag"`
	Label    string `json:"label"`
	Prompt   string `json:"prompt"`
	Priority int    `json:"priority"`
	Order    int    `json:"order"`
}

type Product struct {
	Name        string   `json:"name"`
	Price       float64  `json:"price"`
	Description string   `json:"description"`
	ImageURLs   []string `json:"image_urls"`
	Tags        []string `json:"tags"`
}

type MenuOption struct {
	Keyword       string `json:"keyword"` // comma separated
	Description   string `json:"description"`
	Response      string `json:"response"`
	RequiresHuman bool   `json:"requires_human"`
	UseAI         bool   `json:"use_ai"`
}

type SocialMedia struct {
	Instagram string `json:"instagram"`
	Website   string `json:"website"`
	Portfolio string `json:"portfolio"`
}

type FollowUpStep struct {
	Stage        int    `json:"stage"`
	DelayMinutes int    `json:"delay_minutes"`
	Message      string `json:"message"`
}

type NotificationRule struct {
	ID              string `json:"id"`
	IsActive        bool   `json:"is_active"`
	Direction       string `json:"direction"` // before (start) or after (end)
	Offset          int    `json:"offset"`
	Unit            string `json:"unit"` // minutes, hours, days
	MessageTemplate string `json:"message_template"`
}

// Contact is unique per (business, identifier). Identifier is the phone
// digits for WhatsApp contacts and the session id for web chat.
type Contact struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	BusinessID       string     `gorm:"type:varchar(36);not null;uniqueIndex:idx_contact_identity" json:"business_id"`
	Identifier       string     `gorm:"type:varchar(64);not null;uniqueIndex:idx_contact_identity" json:"identifier"`
	Channel          string     `gorm:"type:varchar(20)" json:"channel"`
	Phone            string     `gorm:"type:varchar(32);index" json:"phone"`
	Name             string     `gorm:"type:varchar(255)" json:"name"`
	Tags             []string   `gorm:"serializer:json" json:"tags"`
	IsHandover       bool       `json:"is_handover"`
	LastSender       string     `gorm:"type:varchar(10)" json:"last_sender"`
	TotalMessages    int        `json:"total_messages"`
	LastInteraction  *time.Time `json:"last_interaction"`
	FollowUpActive   bool       `gorm:"index" json:"follow_up_active"`
	FollowUpStage    int        `json:"follow_up_stage"`
	LastResponseTime *time.Time `json:"last_response_time"`
	FunnelStage      string     `gorm:"type:varchar(100)" json:"funnel_stage"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Contact) TableName() string {
	return "contacts"
}

// HasAnyTag reports whether the contact carries at least one of tags.
func (c *Contact) HasAnyTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range c.Tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Message represents one stored conversation turn.
type Message struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	BusinessID string    `gorm:"type:varchar(36);index;not null" json:"business_id"`
	ContactID  uint      `gorm:"index:idx_message_contact,priority:1;not null" json:"contact_id"`
	Role       string    `gorm:"type:varchar(10);not null" json:"role"`
	Content    string    `gorm:"type:text" json:"content"`
	Kind       string    `gorm:"type:varchar(20)" json:"kind"`
	Channel    string    `gorm:"type:varchar(20)" json:"channel"`
	MediaURL   string    `gorm:"type:text" json:"media_url,omitempty"`
	CreatedAt  time.Time `gorm:"index:idx_message_contact,priority:2" json:"created_at"`
}

func (Message) TableName() string {
	return "messages"
}

const (
	CampaignRecurring = "recurring"
	CampaignBroadcast = "broadcast"

	TriggerTime  = "time"
	TriggerEvent = "event"

	ContentStatic   = "static"
	ContentAIPrompt = "ai_prompt"

	LogSent   = "sent"
	LogFailed = "failed"
)

type Schedule struct {
	Frequency string `gorm:"type:varchar(20)" json:"frequency"` // minutes_N, hours_N, daily, weekly, monthly, once
	Time      string `gorm:"type:varchar(5)" json:"time"`       // HH:mm, clock mode only
	Days      []int  `gorm:"serializer:json" json:"days"`       // 0 = Sunday
}

type Campaign struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	BusinessID        string     `gorm:"type:varchar(36);index;not null" json:"business_id"`
	Name              string     `gorm:"type:varchar(255);not null" json:"name"`
	TargetTags        []string   `gorm:"serializer:json" json:"target_tags"`
	Type              string     `gorm:"type:varchar(20);not null" json:"type"`
	TriggerType       string     `gorm:"type:varchar(10);not null" json:"trigger_type"`
	EventOffset       int        `json:"event_offset"` // minutes before appointment start
	EventTargetStatus []string   `gorm:"serializer:json" json:"event_target_status"`
	Schedule          Schedule   `gorm:"embedded;embeddedPrefix:schedule_" json:"schedule"`
	ContentMode       string     `gorm:"type:varchar(20)" json:"content_mode"`
	Message           string     `gorm:"type:text;not null" json:"message"`
	DelayMin          int        `json:"delay_min"` // seconds
	DelayMax          int        `json:"delay_max"` // seconds
	IsActive          bool       `gorm:"index" json:"is_active"`
	Processing        bool       `json:"processing"`
	ProcessingSince   *time.Time `json:"processing_since"`
	LastRun           *time.Time `json:"last_run"`
	NextRun           *time.Time `json:"next_run"`
	SentCount         int        `json:"sent_count"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Campaign) TableName() string {
	return "campaigns"
}

// CampaignLog is append-only; it is the idempotency record for campaign sends.
type CampaignLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	CampaignID uint      `gorm:"not null;index:idx_log_contact,priority:1;index:idx_log_related,priority:1" json:"campaign_id"`
	ContactID  uint      `gorm:"not null;index:idx_log_contact,priority:2" json:"contact_id"`
	RelatedID  string    `gorm:"type:varchar(64);index:idx_log_related,priority:2" json:"related_id,omitempty"`
	Content    string    `gorm:"type:text" json:"content"`
	Status     string    `gorm:"type:varchar(10);not null" json:"status"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
	SentAt     time.Time `gorm:"index:idx_log_contact,priority:3" json:"sent_at"`
}

func (CampaignLog) TableName() string {
	return "campaign_logs"
}

const (
	AppointmentScheduled = "scheduled"
	AppointmentConfirmed = "confirmed"
	AppointmentCompleted = "completed"
	AppointmentCancelled = "cancelled"
)

type Appointment struct {
	ID                  uint                 `gorm:"primaryKey" json:"id"`
	BusinessID          string               `gorm:"type:varchar(36);index;not null" json:"business_id"`
	ClientName          string               `gorm:"type:varchar(255)" json:"client_name"`
	ClientPhone         string               `gorm:"type:varchar(32);index" json:"client_phone"`
	Title               string               `gorm:"type:varchar(255)" json:"title"`
	Start               time.Time            `gorm:"column:starts_at;index" json:"start"`
	End                 time.Time            `gorm:"column:ends_at" json:"end"`
	Status              string               `gorm:"type:varchar(30);index" json:"status"`
	NotificationHistory map[string]time.Time `gorm:"serializer:json" json:"notification_history"`
	CreatedAt           time.Time            `gorm:"autoCreateTime" json:"created_at"`
}

func (Appointment) TableName() string {
	return "appointments"
}

// WhatsAppSession mirrors the in-memory session state for dashboards and restarts.
type WhatsAppSession struct {
	BusinessID string    `gorm:"primaryKey;type:varchar(36)" json:"business_id"`
	DeviceJID  string    `gorm:"type:varchar(100)" json:"device_jid"`
	Status     string    `gorm:"type:varchar(20)" json:"status"`
	LastError  string    `gorm:"type:text" json:"last_error,omitempty"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (WhatsAppSession) TableName() string {
	return "whatsapp_sessions"
}
