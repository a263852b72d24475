package ruleengine

// ScalarType classifies a worker attribute for operator legality and
// comparison semantics.
type ScalarType string

const (
	TypeString  ScalarType = "string"
	TypeNumber  ScalarType = "number"
	TypeBoolean ScalarType = "boolean"
	TypeDate    ScalarType = "date"
	TypeArray   ScalarType = "array"
	TypeObject  ScalarType = "object"
)

// AttributeSpec describes one worker attribute known to the registry.
type AttributeSpec struct {
	// Path is the dotted identifier, e.g. "employment.department".
	Path string `json:"path"`

	// Label is the display name shown by the rule editor.
	Label string `json:"label"`

	// Type drives operator legality and evaluation semantics.
	Type ScalarType `json:"type"`
}

// Registry is the immutable attribute catalog. It is built once at process
// start and injected into the validator and evaluator; evaluation never
// reaches for global state.
type Registry struct {
	attributes map[string]AttributeSpec
	ordered    []AttributeSpec
}

// operatorsByType is the static legality table. Object-typed attributes
// are deliberately restricted to equality: free-form custom fields compare
// by deep equality only, never by substring or ordering.
var operatorsByType = map[ScalarType][]Operator{
	TypeString:  {OpEquals, OpNotEquals, OpContains, OpNotContains, OpStartsWith, OpEndsWith, OpInList, OpNotInList},
	TypeNumber:  {OpEquals, OpNotEquals, OpGreaterThan, OpLessThan},
	TypeBoolean: {OpEquals, OpNotEquals},
	TypeDate:    {OpEquals, OpNotEquals, OpGreaterThan, OpLessThan},
	TypeArray:   {OpContains, OpNotContains, OpInList, OpNotInList},
	TypeObject:  {OpEquals, OpNotEquals},
}

// NewRegistry builds a registry from the given attribute specs.
// Later specs with a duplicate path overwrite earlier ones.
func NewRegistry(specs []AttributeSpec) *Registry {
	r := &Registry{
		attributes: make(map[string]AttributeSpec, len(specs)),
		ordered:    make([]AttributeSpec, 0, len(specs)),
	}
	for _, spec := range specs {
		if _, seen := r.attributes[spec.Path]; !seen {
			r.ordered = append(r.ordered, spec)
		}
		r.attributes[spec.Path] = spec
	}
	return r
}

// DefaultRegistry returns the registry for the coaching platform's worker
// schema. Kept as data, not behavior, so deployments can extend it from
// configuration without touching the engine.
func DefaultRegistry() *Registry {
	return NewRegistry([]AttributeSpec{
		{Path: "profile.firstName", Label: "First name", Type: TypeString},
		{Path: "profile.lastName", Label: "Last name", Type: TypeString},
		{Path: "profile.email", Label: "Email", Type: TypeString},
		{Path: "profile.preferredLanguage", Label: "Preferred language", Type: TypeString},
		{Path: "employment.department", Label: "Department", Type: TypeString},
		{Path: "employment.jobTitle", Label: "Job title", Type: TypeString},
		{Path: "employment.location", Label: "Location", Type: TypeString},
		{Path: "employment.employmentType", Label: "Employment type", Type: TypeString},
		{Path: "employment.startDate", Label: "Start date", Type: TypeDate},
		{Path: "employment.tenureMonths", Label: "Tenure (months)", Type: TypeNumber},
		{Path: "wellbeing.wellbeingScore", Label: "Wellbeing score", Type: TypeNumber},
		{Path: "wellbeing.lastCheckinAt", Label: "Last check-in", Type: TypeDate},
		{Path: "coaching.sessionsCompleted", Label: "Sessions completed", Type: TypeNumber},
		{Path: "coaching.lastSessionAt", Label: "Last session", Type: TypeDate},
		{Path: "coaching.hasActiveCoach", Label: "Has active coach", Type: TypeBoolean},
		{Path: "coaching.focusAreas", Label: "Focus areas", Type: TypeArray},
		{Path: "engagement.appActivated", Label: "App activated", Type: TypeBoolean},
		{Path: "engagement.lastActiveAt", Label: "Last active", Type: TypeDate},
		{Path: "tags", Label: "Tags", Type: TypeArray},
		{Path: "custom", Label: "Custom fields", Type: TypeObject},
	})
}

// Lookup returns the spec for an attribute path.
func (r *Registry) Lookup(path string) (AttributeSpec, bool) {
	spec, ok := r.attributes[path]
	return spec, ok
}

// LegalOperators returns the operators legal for the attribute's type.
// Returns nil for unknown attributes; never empty for known ones.
func (r *Registry) LegalOperators(path string) []Operator {
	spec, ok := r.attributes[path]
	if !ok {
		return nil
	}
	return operatorsByType[spec.Type]
}

// OperatorLegal reports whether op is legal for the attribute's type.
func (r *Registry) OperatorLegal(path string, op Operator) bool {
	for _, legal := range r.LegalOperators(path) {
		if legal == op {
			return true
		}
	}
	return false
}

// Attributes returns the specs in registration order, for the editor's
// attribute picker.
func (r *Registry) Attributes() []AttributeSpec {
	out := make([]AttributeSpec, len(r.ordered))
	copy(out, r.ordered)
	return out
}
