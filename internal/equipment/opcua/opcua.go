// Package opcua dials production-line devices over OPC UA.
//
// Tags are addressed as string node ids in a fixed namespace:
// "ns=2;s=Device 1/ProductionRate". Methods are called on the object node
// named after the device.
package opcua

import (
	"context"
	"fmt"
	"time"

	gopcua "github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/nerrad567/twinline-core/internal/device"
	"github.com/nerrad567/twinline-core/internal/equipment"
)

// Scheme is the endpoint scheme this package handles.
const Scheme = "opc.tcp"

// DefaultNamespace is the namespace index device tags live in.
const DefaultNamespace = 2

const defaultRequestTimeout = 5 * time.Second

// Dialer opens OPC UA sessions. The zero value uses DefaultNamespace and
// anonymous, unencrypted sessions.
type Dialer struct {
	Namespace      int
	RequestTimeout time.Duration
	Username       string
	Password       string
}

// Dial implements equipment.Dialer.
func (d Dialer) Dial(ctx context.Context, id device.Identity) (equipment.Link, error) {
	opts := []gopcua.Option{
		gopcua.SecurityPolicy(ua.SecurityPolicyURINone),
		gopcua.SecurityModeString("None"),
		gopcua.RequestTimeout(d.requestTimeout()),
		gopcua.AutoReconnect(false),
	}
	if d.Username != "" {
		opts = append(opts, gopcua.AuthUsername(d.Username, d.Password))
	} else {
		opts = append(opts, gopcua.AuthAnonymous())
	}

	c, err := gopcua.NewClient(id.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", equipment.ErrUnavailable, id.Endpoint, err)
	}
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", equipment.ErrUnavailable, id.Endpoint, err)
	}

	return &link{client: c, ns: d.namespace()}, nil
}

func (d Dialer) namespace() int {
	if d.Namespace == 0 {
		return DefaultNamespace
	}
	return d.Namespace
}

func (d Dialer) requestTimeout() time.Duration {
	if d.RequestTimeout <= 0 {
		return defaultRequestTimeout
	}
	return d.RequestTimeout
}

// NodeID renders a path as a string node id.
func NodeID(ns int, path string) string {
	return fmt.Sprintf("ns=%d;s=%s", ns, path)
}

type link struct {
	client *gopcua.Client
	ns     int
}

func (l *link) node(path string) (*ua.NodeID, error) {
	id, err := ua.ParseNodeID(NodeID(l.ns, path))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", equipment.ErrUnknownTag, path, err)
	}
	return id, nil
}

func (l *link) Read(ctx context.Context, path string) (any, error) {
	id, err := l.node(path)
	if err != nil {
		return nil, err
	}

	req := &ua.ReadRequest{
		MaxAge: 2000,
		NodesToRead: []*ua.ReadValueID{
			{NodeID: id, AttributeID: ua.AttributeIDValue},
		},
		TimestampsToReturn: ua.TimestampsToReturnBoth,
	}
	resp, err := l.client.Read(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", equipment.ErrUnavailable, path, err)
	}
	if len(resp.Results) == 0 {
		return nil, fmt.Errorf("%w: read %s: empty response", equipment.ErrUnavailable, path)
	}
	res := resp.Results[0]
	if res.Status != ua.StatusOK {
		return nil, fmt.Errorf("%w: read %s: %v", equipment.ErrUnknownTag, path, res.Status)
	}
	if res.Value == nil {
		return nil, nil
	}
	return res.Value.Value(), nil
}

func (l *link) Write(ctx context.Context, path string, value any) error {
	id, err := l.node(path)
	if err != nil {
		return err
	}
	v, err := ua.NewVariant(wireValue(value))
	if err != nil {
		return fmt.Errorf("%w: write %s: %w", equipment.ErrTypeMismatch, path, err)
	}

	req := &ua.WriteRequest{
		NodesToWrite: []*ua.WriteValue{
			{
				NodeID:      id,
				AttributeID: ua.AttributeIDValue,
				Value: &ua.DataValue{
					EncodingMask: ua.DataValueValue,
					Value:        v,
				},
			},
		},
	}
	resp, err := l.client.Write(ctx, req)
	if err != nil {
		return fmt.Errorf("%w: write %s: %w", equipment.ErrUnavailable, path, err)
	}
	if len(resp.Results) > 0 && resp.Results[0] != ua.StatusOK {
		return fmt.Errorf("equipment: write %s: %v", path, resp.Results[0])
	}
	return nil
}

func (l *link) Call(ctx context.Context, objectPath, methodPath string) error {
	obj, err := l.node(objectPath)
	if err != nil {
		return err
	}
	method, err := l.node(methodPath)
	if err != nil {
		return fmt.Errorf("%w: %s", equipment.ErrUnknownMethod, methodPath)
	}

	res, err := l.client.Call(ctx, &ua.CallMethodRequest{
		ObjectID: obj,
		MethodID: method,
	})
	if err != nil {
		return fmt.Errorf("%w: call %s: %w", equipment.ErrUnavailable, methodPath, err)
	}
	if res.StatusCode != ua.StatusOK {
		return fmt.Errorf("equipment: call %s: %v", methodPath, res.StatusCode)
	}
	return nil
}

func (l *link) Close(ctx context.Context) error {
	return l.client.Close(ctx)
}

// wireValue narrows Go ints to the Int32 the devices expose.
func wireValue(v any) any {
	switch n := v.(type) {
	case int:
		return int32(n)
	case bool:
		if n {
			return int32(1)
		}
		return int32(0)
	default:
		return v
	}
}
