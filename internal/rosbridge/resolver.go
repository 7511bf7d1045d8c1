package rosbridge

import (
	"context"
	"fmt"
	"strings"
)

// TypeResolver resolves the wire type of an action server's goal messages.
// The mapping from server name to type is protocol-specific, so callers
// depend on this interface rather than any particular naming convention.
type TypeResolver interface {
	ResolveActionType(ctx context.Context, server string) (string, error)
}

// RosapiTypeResolver resolves action types by querying the rosapi
// topic-type introspection service for the server's goal topic and
// stripping the trailing "Goal" from the reported type.
type RosapiTypeResolver struct {
	client *ServiceClient
}

// NewRosapiTypeResolver creates a resolver backed by the given connection.
func NewRosapiTypeResolver(conn *Conn) *RosapiTypeResolver {
	return &RosapiTypeResolver{client: NewServiceClient(conn, "/rosapi/topic_type")}
}

// ResolveActionType implements TypeResolver.
func (r *RosapiTypeResolver) ResolveActionType(ctx context.Context, server string) (string, error) {
	res, err := r.client.Call(ctx, map[string]any{"topic": server + "/goal"})
	if err != nil {
		return "", err
	}
	typeName, _ := res["type"].(string)
	if typeName == "" {
		return "", fmt.Errorf("no type registered for topic %s/goal", server)
	}
	return strings.TrimSuffix(typeName, "Goal"), nil
}
