package models

// Operator names a leaf comparison or a combinator in a condition tree.
type Operator string

// Leaf operators.
const (
	OperatorEquals             Operator = "equals"
	OperatorNotEquals          Operator = "notEquals"
	OperatorContains           Operator = "contains"
	OperatorNotContains        Operator = "notContains"
	OperatorExists             Operator = "exists"
	OperatorIsEmpty            Operator = "isEmpty"
	OperatorGreaterThan        Operator = "greaterThan"
	OperatorLessThan           Operator = "lessThan"
	OperatorGreaterThanOrEqual Operator = "greaterThanOrEqual"
	OperatorLessThanOrEqual    Operator = "lessThanOrEqual"
	OperatorIn                 Operator = "in"
	OperatorNotIn              Operator = "notIn"
)

// Combinators.
const (
	OperatorAnd Operator = "and"
	OperatorOr  Operator = "or"
)

// Condition is either a leaf {field, operator, value} or a combinator
// {operator: and|or, conditions: [...]}.
type Condition struct {
	Field      string      `json:"field,omitempty" yaml:"field,omitempty"`
	Operator   Operator    `json:"operator" yaml:"operator"`
	Value      any         `json:"value,omitempty" yaml:"value,omitempty"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// IsCombinator reports whether the condition combines child conditions.
func (c Condition) IsCombinator() bool {
	return c.Operator == OperatorAnd || c.Operator == OperatorOr
}
