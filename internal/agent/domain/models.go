// Package domain contains persistence models for calling agents and their
// eligibility conditions.
package domain

import (
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// AgentStatus gates whether an agent participates in processor cycles.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "active"
	AgentStatusInactive AgentStatus = "inactive"
	AgentStatusDraft    AgentStatus = "draft"
)

// ConditionType is the closed set of rule variants an agent may carry.
type ConditionType string

const (
	ConditionCartValue    ConditionType = "cart-value"
	ConditionCustomerType ConditionType = "customer-type"
	ConditionProducts     ConditionType = "products"
	ConditionCouponCode   ConditionType = "coupon-code"
)

// Operator is the comparison applied by a condition.
type Operator string

const (
	OperatorGTE      Operator = ">="
	OperatorLTE      Operator = "<="
	OperatorEQ       Operator = "=="
	OperatorIncludes Operator = "includes"
)

// Condition is one eligibility rule. Disabled conditions are stored but never
// evaluated.
type Condition struct {
	Type     ConditionType `json:"type"`
	Operator Operator      `json:"operator"`
	Value    string        `json:"value"`
	Enabled  bool          `json:"enabled"`
}

// Agent is a configured calling profile. Conditions are stored as an ordered
// JSON array on the row.
type Agent struct {
	ID            snowflake.ID   `gorm:"primaryKey"`
	OrgID         snowflake.ID   `gorm:"not null;index:ix_agents_org_status,priority:1"`
	Name          string         `gorm:"type:text;not null"`
	Status        AgentStatus    `gorm:"type:text;not null;default:'draft';index:ix_agents_org_status,priority:2"`
	Priority      int            `gorm:"not null;default:0"`
	Conditions    datatypes.JSON `gorm:"type:jsonb;not null;default:'[]'"`
	VoiceAgentRef string         `gorm:"type:text"`
	Greeting      string         `gorm:"type:text"`
	CreatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Agent) TableName() string { return "agents" }

// DecodeConditions unmarshals the stored condition list.
func (a Agent) DecodeConditions() ([]Condition, error) {
	if len(a.Conditions) == 0 {
		return nil, nil
	}
	var conditions []Condition
	if err := json.Unmarshal(a.Conditions, &conditions); err != nil {
		return nil, err
	}
	return conditions, nil
}

// EncodeConditions marshals a condition list for storage.
func EncodeConditions(conditions []Condition) (datatypes.JSON, error) {
	if conditions == nil {
		conditions = []Condition{}
	}
	raw, err := json.Marshal(conditions)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
