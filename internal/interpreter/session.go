package interpreter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Naoki-Hiraoka/Groot/internal/rosbridge"
	"github.com/Naoki-Hiraoka/Groot/internal/tree"
)

// DefaultTickInterval is the auto-run cadence when none is configured.
const DefaultTickInterval = 20 * time.Millisecond

// StatusSink receives translated status change batches from the session.
// Changes arrive in visual-index space. When reset is true the sink must
// clear all displayed statuses before applying the batch, which may be
// empty.
type StatusSink interface {
	ApplyStatusChanges(changes []StatusChange, reset bool)
}

// Row is one visible line of the loaded tree, for rendering.
type Row struct {
	VisualIndex int
	Depth       int
	Name        string
	Type        tree.NodeType
	Status      NodeStatus
	Subtree     bool
	Collapsed   bool
}

// Session owns one loaded tree, its runtime mirror, the shared blackboard
// and the bridge connection, and drives execution. All tree state is guarded
// by a single mutex; background goroutines feed results back through the
// event queue only.
type Session struct {
	logger     *slog.Logger
	sink       StatusSink
	onError    func(error)
	interval   time.Duration
	resolverFn func(*rosbridge.Conn) rosbridge.TypeResolver

	mu       sync.Mutex
	conn     *rosbridge.Conn
	resolver rosbridge.TypeResolver
	tree     *tree.Tree
	rt       *runtimeTree
	bb       *Blackboard
	autorun  bool
	updated  bool
	stop     chan struct{}

	events chan event
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithSink sets the status change sink.
func WithSink(sink StatusSink) Option {
	return func(s *Session) { s.sink = sink }
}

// WithErrorHandler installs a callback for errors surfaced by the auto-run
// supervisor, such as connection failures.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Session) { s.onError = fn }
}

// WithTickInterval overrides the auto-run tick cadence.
func WithTickInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithTypeResolver overrides how action type names are resolved for a
// connection.
func WithTypeResolver(fn func(*rosbridge.Conn) rosbridge.TypeResolver) Option {
	return func(s *Session) { s.resolverFn = fn }
}

// NewSession creates a session with no tree loaded and no connection.
func NewSession(opts ...Option) *Session {
	s := &Session{
		logger:   slog.Default(),
		interval: DefaultTickInterval,
		bb:       NewBlackboard(),
		events:   make(chan event, 128),
		resolverFn: func(c *rosbridge.Conn) rosbridge.TypeResolver {
			return rosbridge.NewRosapiTypeResolver(c)
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials the bridge at hostname:port, replacing any existing
// connection. Transport errors observed after the dial are routed to the
// event queue so the auto-run supervisor can react.
func (s *Session) Connect(ctx context.Context, hostname string, port int) error {
	conn, err := rosbridge.Dial(ctx, hostname, port,
		rosbridge.WithLogger(s.logger),
		rosbridge.WithErrorHandler(func(err error) {
			s.post(connErrorEvent{err: err})
		}),
	)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.resolver = s.resolverFn(conn)
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	s.logger.Info("connected", "addr", conn.Addr())
	return nil
}

// Disconnect closes the current connection, if any.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.resolver = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Connected reports whether a bridge connection is currently attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !closed(s.conn.Done())
}

// LoadTreeText parses and installs a tree from XML source text.
func (s *Session) LoadTreeText(text string) error {
	t, err := tree.LoadText(text)
	if err != nil {
		return err
	}
	s.install(t)
	return nil
}

// LoadTreeFile parses and installs a tree from an XML file.
func (s *Session) LoadTreeFile(path string) error {
	t, err := tree.LoadFile(path)
	if err != nil {
		return err
	}
	s.install(t)
	return nil
}

func (s *Session) install(t *tree.Tree) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rt != nil {
		s.rt.root.halt()
	}
	s.tree = t
	s.bb.Clear()
	s.rt = newRuntimeTree(t, s)
	s.updated = true
	if s.sink != nil {
		s.sink.ApplyStatusChanges(nil, true)
	}
}

// Reset halts all in-flight work, returns every node to idle and clears the
// blackboard and stored port values.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rt == nil {
		return
	}
	s.rt.root.halt()
	s.tree.Reset()
	s.bb.Clear()
	s.updated = true
	if s.sink != nil {
		s.sink.ApplyStatusChanges(nil, true)
	}
}

// Start launches the auto-run loop goroutine. Ticks fire at the configured
// interval but are gated by the auto-run flag and the updated flag.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	stop := make(chan struct{})
	s.stop = stop
	go s.loop(stop)
}

// Stop terminates the auto-run loop goroutine.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

// Close stops the loop and drops the connection.
func (s *Session) Close() {
	s.Stop()
	s.Disconnect()
}

func (s *Session) loop(stop chan struct{}) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.RunStep()
		}
	}
}

// RunStep drains pending events and, when auto-run is enabled and something
// changed since the last tick, performs one tick. A traversal error disables
// auto-run and is surfaced rather than crashing the loop.
func (s *Session) RunStep() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainEvents()
	if !s.autorun || !s.updated || s.rt == nil {
		return nil
	}
	if err := s.tickRootLocked(); err != nil {
		s.autorun = false
		s.logger.Error("tick failed, auto-run disabled", "error", err)
		if s.onError != nil {
			s.onError(err)
		}
		return err
	}
	s.updated = false
	return nil
}

// TickOnce drains pending events and performs a single tick regardless of
// the auto-run flag.
func (s *Session) TickOnce() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainEvents()
	if s.rt == nil {
		return nil
	}
	return s.tickRootLocked()
}

func (s *Session) tickRootLocked() error {
	prev := snapshotStatuses(s.rt)
	condPending := false
	if _, err := s.rt.root.btNode.Tick(); err != nil {
		if !errors.Is(err, ErrEvaluationPending) {
			return err
		}
		condPending = true
	}
	if s.rt.root.status != StatusRunning {
		s.updated = false
	}
	s.emitLocked(diffStatuses(prev, s.rt, condPending), false)
	return nil
}

func (s *Session) emitLocked(changes []StatusChange, reset bool) {
	if s.sink == nil {
		return
	}
	if len(changes) == 0 && !reset {
		return
	}
	s.sink.ApplyStatusChanges(toVisual(s.tree, changes), reset)
}

// SetAutorun enables or disables automatic ticking. Enabling marks the tree
// updated so the next cycle ticks immediately.
func (s *Session) SetAutorun(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autorun = on
	if on {
		s.updated = true
	}
}

// Autorun reports whether automatic ticking is enabled.
func (s *Session) Autorun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autorun
}

// RootStatus returns the synthetic root's status.
func (s *Session) RootStatus() NodeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rt == nil {
		return StatusIdle
	}
	return s.rt.root.status
}

// TreeName returns the loaded tree's name, or "" when none is loaded.
func (s *Session) TreeName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tree == nil {
		return ""
	}
	return s.tree.Name
}

// Blackboard exposes the shared value store.
func (s *Session) Blackboard() *Blackboard { return s.bb }

// Rows returns the currently visible rows, root first, with statuses.
func (s *Session) Rows() []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tree == nil || s.rt == nil {
		return nil
	}
	rows := []Row{{
		VisualIndex: 0,
		Name:        s.tree.Name,
		Type:        tree.NodeTypeRoot,
		Status:      s.rt.root.status,
	}}
	// The walk visits nodes in the same depth-first order as tree.Nodes, so
	// the runtime index is tracked by counting; collapsed spans advance it
	// by the hidden subtree's size.
	visual, runtime := 0, 0
	var walk func(nodes []*tree.Node, depth int)
	walk = func(nodes []*tree.Node, depth int) {
		for _, n := range nodes {
			visual++
			runtime++
			rows = append(rows, Row{
				VisualIndex: visual,
				Depth:       depth,
				Name:        n.Name,
				Type:        n.Model.Type,
				Status:      s.rt.nodes[runtime-1].status,
				Subtree:     n.IsSubtree(),
				Collapsed:   n.Collapsed,
			})
			if n.IsSubtree() && n.Collapsed {
				runtime += s.tree.SubtreeSize(n)
				continue
			}
			walk(n.Children, depth+1)
		}
	}
	walk(s.tree.Root.Children, 1)
	return rows
}

// ToggleCollapse flips the collapsed flag of the subtree placeholder at the
// given visual index. Non-subtree rows are ignored.
func (s *Session) ToggleCollapse(visualIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tree == nil {
		return
	}
	idx, ok := s.tree.RuntimeIndexFor(visualIndex)
	if !ok || idx == 0 {
		return
	}
	n := s.tree.Nodes[idx-1]
	if n.IsSubtree() {
		n.Collapsed = !n.Collapsed
	}
}

// ExecuteNode performs an immediate, blocking execution of the leaf at the
// given visual index, bypassing tree traversal. The resulting status is
// forced onto the node and delivered as a reset batch, mirroring what a
// manual single-node run means to the operator.
func (s *Session) ExecuteNode(ctx context.Context, visualIndex int) error {
	s.mu.Lock()
	if s.tree == nil || s.rt == nil {
		s.mu.Unlock()
		return nil
	}
	idx, ok := s.tree.RuntimeIndexFor(visualIndex)
	if !ok || idx == 0 {
		s.mu.Unlock()
		return nil
	}
	rn := s.rt.nodes[idx-1]
	conn := s.conn
	resolver := s.resolver
	s.mu.Unlock()

	if !rn.tn.IsLeaf() {
		return nil
	}
	if conn == nil {
		return notConnectedErr()
	}

	var status NodeStatus
	var err error
	switch rn.tn.Model.Type {
	case tree.NodeTypeCondition:
		status, err = s.callCondition(ctx, conn, rn)
	case tree.NodeTypeAction:
		status, err = s.callAction(ctx, conn, resolver, rn)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.forceNodeStatusLocked(rn, status)
	s.updated = true
	s.emitLocked([]StatusChange{{Index: idx, Status: status}}, true)
	s.mu.Unlock()
	return nil
}

// ExecuteRunningNodes executes every currently running leaf, one at a time
// in index order.
func (s *Session) ExecuteRunningNodes(ctx context.Context) error {
	s.mu.Lock()
	if s.tree == nil || s.rt == nil {
		s.mu.Unlock()
		return nil
	}
	m := s.tree.VisualIndexMap()
	var visuals []int
	for i, rn := range s.rt.nodes {
		if rn.status != StatusRunning || !rn.tn.IsLeaf() {
			continue
		}
		v := m[i+1]
		if n := len(visuals); n > 0 && visuals[n-1] == v {
			continue
		}
		visuals = append(visuals, v)
	}
	s.mu.Unlock()
	for _, v := range visuals {
		if err := s.ExecuteNode(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// ChangeSelectedStatus forces the given status onto the rows at the given
// visual indices, delivering the batch as a reset so only these rows stay
// highlighted.
func (s *Session) ChangeSelectedStatus(visualIndices []int, status NodeStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tree == nil || s.rt == nil {
		return
	}
	changes := make([]StatusChange, 0, len(visualIndices))
	for _, v := range visualIndices {
		changes = append(changes, StatusChange{Index: v, Status: status})
	}
	if s.sink != nil && len(changes) > 0 {
		s.sink.ApplyStatusChanges(changes, true)
	}
	for _, c := range toRuntime(s.tree, changes) {
		if c.Index == 0 {
			s.rt.root.status = status
			continue
		}
		s.forceNodeStatusLocked(s.rt.nodes[c.Index-1], status)
	}
	s.updated = true
}

// ChangeRunningStatus forces the given status onto every currently running
// node.
func (s *Session) ChangeRunningStatus(status NodeStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rt == nil {
		return
	}
	var changes []StatusChange
	for i, rn := range s.rt.nodes {
		if rn.status != StatusRunning {
			continue
		}
		s.forceNodeStatusLocked(rn, status)
		changes = append(changes, StatusChange{Index: i + 1, Status: status})
	}
	s.emitLocked(changes, true)
	s.updated = true
}

// forceNodeStatusLocked overrides a node's status outside normal traversal.
// Condition adapters are pinned so the forced value is what the next tick
// observes; forcing an action back to idle cancels its outstanding goal.
func (s *Session) forceNodeStatusLocked(rn *runtimeNode, status NodeStatus) {
	rn.status = status
	if rn.condition != nil {
		rn.condition.ForceStatus(status)
	}
	if rn.action != nil && status == StatusIdle {
		rn.action.Halt()
	}
}

// bindAction implements leafBinder. The returned adapter dispatches the
// node's goal on a background goroutine and posts the result back through
// the event queue. The begin closure runs on the tick loop with the session
// lock held and must not re-lock.
func (s *Session) bindAction(rn *runtimeNode) *ActionAdapter {
	return NewActionAdapter(func(generation uint64) (func(), error) {
		conn := s.conn
		resolver := s.resolver
		if conn == nil {
			err := notConnectedErr()
			s.post(connErrorEvent{err: err})
			return nil, err
		}
		goal, err := tree.GoalFromPorts(rn.tn, s.bb)
		if err != nil {
			return nil, err
		}
		server, ok := rn.tn.Binding("server_name")
		if !ok {
			return nil, fmt.Errorf("%s: no server_name binding", rn.tn.ID())
		}
		ctx, cancel := context.WithCancel(context.Background())
		var client atomic.Pointer[rosbridge.ActionClient]
		go func() {
			defer cancel()
			actionType := ""
			if resolver != nil {
				t, err := resolver.ResolveActionType(ctx, server)
				if err != nil {
					s.failDispatch(rn, generation, err)
					return
				}
				actionType = t
			}
			c := rosbridge.NewActionClient(conn, server, actionType)
			c.RegisterFeedbackCallback(func(fb map[string]any) {
				s.postFeedback(rn, fb)
			})
			client.Store(c)
			defer c.Close()
			if err := c.SendGoal(goal); err != nil {
				s.failDispatch(rn, generation, err)
				return
			}
			res, err := c.WaitForResult(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.failDispatch(rn, generation, err)
				}
				return
			}
			status := StatusFailure
			if res.Success() {
				status = StatusSuccess
			}
			s.post(actionResultEvent{node: rn, generation: generation, status: status})
		}()
		return func() {
			// Publish the cancel before tearing the context down. The
			// context wakes the dispatch goroutine, whose deferred Close
			// marks the goal inactive; cancelling first keeps the publish
			// from racing that teardown and getting lost.
			if c := client.Load(); c != nil {
				c.CancelGoal()
			}
			cancel()
		}, nil
	})
}

// bindCondition implements leafBinder. Goal construction happens
// synchronously inside the tick so marshaling errors surface immediately;
// only the service call itself runs in the background.
func (s *Session) bindCondition(rn *runtimeNode) *ConditionAdapter {
	return NewConditionAdapter(func(generation uint64) error {
		conn := s.conn
		if conn == nil {
			err := notConnectedErr()
			s.post(connErrorEvent{err: err})
			return err
		}
		goal, err := tree.GoalFromPorts(rn.tn, s.bb)
		if err != nil {
			return err
		}
		service, ok := rn.tn.Binding("service_name")
		if !ok {
			return fmt.Errorf("%s: no service_name binding", rn.tn.ID())
		}
		go func() {
			res, err := rosbridge.NewServiceClient(conn, service).Call(context.Background(), goal)
			if err != nil {
				var connErr *rosbridge.ConnectionError
				if errors.As(err, &connErr) {
					s.post(connErrorEvent{err: err})
				}
				s.post(conditionResultEvent{node: rn, generation: generation, status: StatusFailure})
				return
			}
			status := StatusFailure
			if res.Success() {
				status = StatusSuccess
			}
			s.post(conditionResultEvent{node: rn, generation: generation, status: status})
		}()
		return nil
	})
}

// callCondition performs a blocking service call for a manual execution.
func (s *Session) callCondition(ctx context.Context, conn *rosbridge.Conn, rn *runtimeNode) (NodeStatus, error) {
	service, ok := rn.tn.Binding("service_name")
	if !ok {
		return StatusIdle, fmt.Errorf("%s: no service_name binding", rn.tn.ID())
	}
	goal, err := tree.GoalFromPorts(rn.tn, s.bb)
	if err != nil {
		return StatusIdle, err
	}
	res, err := rosbridge.NewServiceClient(conn, service).Call(ctx, goal)
	if err != nil {
		return StatusIdle, err
	}
	if res.Success() {
		return StatusSuccess, nil
	}
	return StatusFailure, nil
}

// callAction performs a blocking goal round-trip for a manual execution.
func (s *Session) callAction(ctx context.Context, conn *rosbridge.Conn, resolver rosbridge.TypeResolver, rn *runtimeNode) (NodeStatus, error) {
	server, ok := rn.tn.Binding("server_name")
	if !ok {
		return StatusIdle, fmt.Errorf("%s: no server_name binding", rn.tn.ID())
	}
	goal, err := tree.GoalFromPorts(rn.tn, s.bb)
	if err != nil {
		return StatusIdle, err
	}
	actionType := ""
	if resolver != nil {
		actionType, err = resolver.ResolveActionType(ctx, server)
		if err != nil {
			return StatusIdle, err
		}
	}
	client := rosbridge.NewActionClient(conn, server, actionType)
	client.RegisterFeedbackCallback(func(fb map[string]any) {
		s.postFeedback(rn, fb)
	})
	defer client.Close()
	if err := client.SendGoal(goal); err != nil {
		return StatusIdle, err
	}
	res, err := client.WaitForResult(ctx)
	if err != nil {
		client.CancelGoal()
		return StatusIdle, err
	}
	if res.Success() {
		return StatusSuccess, nil
	}
	return StatusFailure, nil
}

func (s *Session) failDispatch(rn *runtimeNode, generation uint64, err error) {
	var connErr *rosbridge.ConnectionError
	if errors.As(err, &connErr) {
		s.post(connErrorEvent{err: err})
	} else {
		s.logger.Warn("action dispatch failed", "node", rn.tn.ID(), "error", err)
	}
	s.post(actionResultEvent{node: rn, generation: generation, status: StatusFailure})
}

// postFeedback runs on the transport goroutine; it extracts the update
// field and hands the value off to the tick loop.
func (s *Session) postFeedback(rn *runtimeNode, fb map[string]any) {
	name, _ := fb["update_field_name"].(string)
	if name == "" {
		return
	}
	value, ok := fb[name]
	if !ok {
		return
	}
	s.post(feedbackEvent{node: rn, field: name, value: value})
}

func notConnectedErr() error {
	return &rosbridge.ConnectionError{Op: "dispatch", Err: errors.New("not connected")}
}

func closed(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}
