package orm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/add-eus/library/docdb"
	"github.com/add-eus/library/docdb/badgerdb"
	"github.com/add-eus/library/docdb/rules"
	"github.com/stretchr/testify/require"
)

type Address struct {
	Entity
	City Field[string]
	Zip  Field[string]
}

type User struct {
	Entity
	Name    Field[string]
	Email   Field[string]
	Age     Field[int64]
	Tags    Field[[]string]
	Address Field[*Address]
}

type Team struct {
	Entity
	Title   Field[string]
	Owner   Field[*User]
	Members SubCollection[User]
}

var addressModel = NewEmbeddedModel("address", func(s *Schema[Address]) {
	Var(s, "city", func(a *Address) *Field[string] { return &a.City }, String)
	Var(s, "zip", func(a *Address) *Field[string] { return &a.Zip }, String)
})

var userModel = NewModel("users", func(s *Schema[User]) {
	Input(s, "name", func(u *User) *Field[string] { return &u.Name }, String, InputText, InputOptions{
		Required: true,
		Validate: []string{"min=2"},
	})
	Input(s, "email", func(u *User) *Field[string] { return &u.Email }, String, InputEmail, InputOptions{
		Required: true,
	})
	Var(s, "age", func(u *User) *Field[int64] { return &u.Age }, Int)
	Var(s, "tags", func(u *User) *Field[[]string] { return &u.Tags }, ArrayOf(String))
	Var(s, "address", func(u *User) *Field[*Address] { return &u.Address }, Embed(addressModel))
})

var teamModel = NewModel("teams", func(s *Schema[Team]) {
	Var(s, "title", func(t *Team) *Field[string] { return &t.Title }, String)
	Var(s, "owner", func(t *Team) *Field[*User] { return &t.Owner }, RefTo(userModel))
	SubCollectionVar(s, "members", func(t *Team) *SubCollection[User] { return &t.Members }, userModel, "email")
})

// spyClient records writes and can fail updates with a transient error.
type spyClient struct {
	docdb.Client

	mu          sync.Mutex
	creates     []docdb.Data
	updates     []docdb.Data
	failUpdates int
}

func (s *spyClient) Create(ctx context.Context, ref docdb.DocumentRef, data docdb.Data) error {
	s.mu.Lock()
	s.creates = append(s.creates, data)
	s.mu.Unlock()
	return s.Client.Create(ctx, ref, data)
}

func (s *spyClient) Update(ctx context.Context, ref docdb.DocumentRef, data docdb.Data) error {
	s.mu.Lock()
	s.updates = append(s.updates, data)
	if s.failUpdates > 0 {
		s.failUpdates--
		s.mu.Unlock()
		return docdb.Errorf(docdb.CodeUnavailable, ref.Path(), "backend unavailable")
	}
	s.mu.Unlock()
	return s.Client.Update(ctx, ref, data)
}

func (s *spyClient) recordedUpdates() []docdb.Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]docdb.Data(nil), s.updates...)
}

// stallingClient withholds the snapshots of query subscriptions opened while stalled.
// A withheld snapshot is dropped once its subscription stops.
type stallingClient struct {
	docdb.Client

	mu      sync.Mutex
	stalled bool
	held    int
}

func (c *stallingClient) stall() {
	c.mu.Lock()
	c.stalled = true
	c.mu.Unlock()
}

func (c *stallingClient) heldSubscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held
}

func (c *stallingClient) OnQuerySnapshot(q docdb.Query, onNext func(docdb.QuerySnapshot), onError func(error)) func() {
	c.mu.Lock()
	stalled := c.stalled
	if stalled {
		c.held++
	}
	c.mu.Unlock()
	if !stalled {
		return c.Client.OnQuerySnapshot(q, onNext, onError)
	}

	stopped := make(chan struct{})
	var once sync.Once
	stop := c.Client.OnQuerySnapshot(q, func(docdb.QuerySnapshot) {
		<-stopped
	}, onError)
	return func() {
		once.Do(func() { close(stopped) })
		stop()
	}
}

func newTestDB(t *testing.T, r *rules.Set) *badgerdb.Store {
	db, err := badgerdb.Open(badgerdb.Options{InMemory: true, Rules: r})
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func newTestStore(t *testing.T, db docdb.Client, opts ...Option) *Store {
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	s := New(db, opts...)
	s.Register(teamModel, userModel)
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

// seedUsers stores n users u00..u{n-1} whose age is their index.
func seedUsers(t *testing.T, db docdb.Client, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		ref := docdb.Collection("users").Doc(fmt.Sprintf("u%02d", i))
		require.NoError(t, db.Create(ctx, ref, docdb.Data{
			"name":  fmt.Sprintf("user %d", i),
			"email": fmt.Sprintf("u%d@example.com", i),
			"age":   int64(i),
		}))
	}
}

func ages(users []*User) []int64 {
	out := make([]int64, 0, len(users))
	for _, u := range users {
		out = append(out, u.Age.Get())
	}
	return out
}

func userIDs(users []*User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID())
	}
	return out
}
