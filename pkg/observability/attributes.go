package observability

import (
	"errors"

	"go.opentelemetry.io/otel/attribute"
)

// Bastion semantic convention attributes.
var (
	AttrTenant    = attribute.Key("bastion.tenant.id")
	AttrNamespace = attribute.Key("bastion.namespace")
	AttrSandbox   = attribute.Key("bastion.sandbox.id")
	AttrOperation = attribute.Key("bastion.operation")
	AttrErrorCode = attribute.Key("bastion.error.code")
)

// DispatchAttributes returns the attributes of one tenant dispatch.
func DispatchAttributes(tenant, namespace, operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenant.String(tenant),
		AttrNamespace.String(namespace),
		AttrOperation.String(operation),
	}
}

type coder interface {
	Code() string
}

// ErrorCode returns the deterministic code of err, or "error" for errors
// that carry none.
func ErrorCode(err error) string {
	var c coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return "error"
}
