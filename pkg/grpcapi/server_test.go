package grpcapi

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/psaab/flowcounter/pkg/dataplane"
	"github.com/psaab/flowcounter/pkg/iface"
	"github.com/psaab/flowcounter/pkg/pipeline"
	"github.com/psaab/flowcounter/pkg/pktgen"
	"github.com/psaab/flowcounter/pkg/stats"
)

type fakeResolver map[string]iface.Link

func (f fakeResolver) Resolve(name string) (iface.Link, error) {
	l, ok := f[name]
	if !ok {
		return iface.Link{}, fmt.Errorf("%s: %w", name, iface.ErrUnknown)
	}
	return l, nil
}

func (f fakeResolver) List() ([]iface.Link, error) {
	out := make([]iface.Link, 0, len(f))
	for _, l := range f {
		out = append(out, l)
	}
	return out, nil
}

// startServer serves a one-core dataplane over bufconn. Core 0 has counted
// flow 0 twice and flow 1 once.
func startServer(t *testing.T) (*Client, *iface.Registry) {
	t.Helper()
	ifaces := iface.NewRegistry(fakeResolver{
		"eth0": {Name: "eth0", Index: 3, Physical: true},
		"eth1": {Name: "eth1", Index: 5, Physical: true},
		"vlan": {Name: "vlan", Index: 8},
	})
	if err := ifaces.Enable("eth0"); err != nil {
		t.Fatal(err)
	}
	reg := stats.NewRegistry(1)
	dp, err := dataplane.New(dataplane.Config{Cores: 1, Buckets: 32, Gates: ifaces, Stats: reg})
	if err != nil {
		t.Fatal(err)
	}
	if err := dp.Initialize(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { dp.Close() })

	var batch []pipeline.Packet
	tuples := pktgen.Tuples(2)
	for _, i := range []int{0, 1, 0} {
		f, err := pktgen.BuildUDP(tuples[i], nil)
		if err != nil {
			t.Fatal(err)
		}
		batch = append(batch, pipeline.Packet{Data: f, RxIf: 3})
	}
	if _, err := dp.ProcessBatch(0, batch); err != nil {
		t.Fatal(err)
	}

	lis := bufconn.Listen(1 << 20)
	srv := NewServer("", Config{DP: dp, Stats: reg, Interfaces: ifaces})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn), ifaces
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGetStatus(t *testing.T) {
	c, _ := startServer(t)
	st, err := c.Status(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if st.Variant != "flowcounter" || st.Cores != 1 || st.Flows != 2 || st.Interfaces != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestGetCounters(t *testing.T) {
	c, _ := startServer(t)
	resp, err := c.Counters(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if resp.Total.Packets != 3 || resp.Total.NewFlows != 2 {
		t.Errorf("total = %+v", resp.Total)
	}
	if len(resp.Cores) != 1 || resp.Cores[0].Table.Name != "flowcounter_0" {
		t.Errorf("cores = %+v", resp.Cores)
	}
}

func TestInterfaces(t *testing.T) {
	c, reg := startServer(t)
	ctx := testCtx(t)

	if err := c.SetInterface(ctx, "eth1", true); err != nil {
		t.Fatal(err)
	}
	if !reg.Enabled(5) {
		t.Error("eth1 not enabled")
	}
	links, err := c.Interfaces(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(links) != 2 || links[0].Name != "eth0" || links[1].Name != "eth1" {
		t.Errorf("links = %+v", links)
	}

	if err := c.SetInterface(ctx, "eth0", false); err != nil {
		t.Fatal(err)
	}
	if reg.Enabled(3) {
		t.Error("eth0 still enabled")
	}

	tests := []struct {
		name string
		want codes.Code
	}{
		{"missing", codes.NotFound},
		{"vlan", codes.InvalidArgument},
		{"", codes.InvalidArgument},
	}
	for _, tt := range tests {
		err := c.SetInterface(ctx, tt.name, true)
		if got := status.Code(err); got != tt.want {
			t.Errorf("SetInterface(%q) code = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestShowFlows(t *testing.T) {
	c, _ := startServer(t)
	ctx := testCtx(t)

	resp, err := c.Flows(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Limit != dataplane.DefaultSnapshotLimit || len(resp.Flows) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Flows[0].Count != 2 || resp.Flows[1].Count != 1 {
		t.Errorf("counts = %d, %d, want 2, 1", resp.Flows[0].Count, resp.Flows[1].Count)
	}

	resp, err = c.Flows(ctx, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Flows) != 1 {
		t.Errorf("limit 1 returned %d flows", len(resp.Flows))
	}

	if _, err := c.Flows(ctx, 4, 10); status.Code(err) != codes.NotFound {
		t.Errorf("bad core: code = %v, want NotFound", status.Code(err))
	}
}

func TestServeStops(t *testing.T) {
	srv := NewServer("", Config{})
	lis := bufconn.Listen(1 << 10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop")
	}
}
