package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Foreman attribute keys.
var (
	AttrOperation = attribute.Key("foreman.operation")
	AttrVerdict   = attribute.Key("foreman.supervision.verdict")
	AttrEventType = attribute.Key("foreman.governance.event_type")

	AttrActionID   = attribute.Key("foreman.action.id")
	AttrActionType = attribute.Key("foreman.action.type")

	AttrMutationType = attribute.Key("foreman.mutation.type")
	AttrResource     = attribute.Key("foreman.mutation.resource")

	AttrSafetyCheck = attribute.Key("foreman.safety.check")
)

// ActionAttrs describes a supervision action.
func ActionAttrs(id, actionType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrActionID.String(id),
		AttrActionType.String(actionType),
	}
}

// MutationAttrs describes a GitHub mutation.
func MutationAttrs(mutationType, resource string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMutationType.String(mutationType),
		AttrResource.String(resource),
	}
}

// SafetyAttrs describes a safety validation.
func SafetyAttrs(check string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrSafetyCheck.String(check)}
}
