package specimen

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-lis/internal/domain/lab"
	"github.com/drfirst/go-lis/pkg/keylock"
)

func newRequest(t *testing.T, repo *lab.MemoryRepository) *lab.Request {
	t.Helper()
	req, err := lab.NewRequest(lab.NewRequestSpec{
		ServiceOrderID: "so-1",
		PatientID:      "pat-1",
		Items: []lab.NewItemSpec{
			{ServiceID: "svc-cbc", TestCode: "CBC", SpecimenType: "EDTA"},
			{ServiceID: "svc-glu", TestCode: "GLU", SpecimenType: "SERUM"},
		},
	}, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.NoError(t, repo.Commit(context.Background(), &lab.Change{NewRequest: req}))
	return req
}

func newRegistry(repo lab.Repository) *Registry {
	r := NewRegistry(repo, NewMemoryIndex(), keylock.NewMemory(), nil)
	r.now = func() time.Time { return time.Date(2026, 3, 1, 8, 30, 15, 0, time.UTC) }
	return r
}

func TestNewBarcodeFormat(t *testing.T) {
	got := NewBarcode(time.Date(2026, 3, 1, 8, 30, 15, 0, time.UTC), 4821)
	assert.Equal(t, "SP2603010830154821", got)
}

func TestAssignBarcodeStampsRequest(t *testing.T) {
	ctx := context.Background()
	repo := lab.NewMemoryRepository()
	req := newRequest(t, repo)
	reg := newRegistry(repo)

	barcode, err := reg.AssignBarcode(ctx, req.ID, "EDTA", "nurse-1")
	require.NoError(t, err)
	assert.Regexp(t, `^SP260301083015\d{4}$`, barcode)

	stored, err := repo.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, barcode, stored.Barcode)

	res, err := reg.ResolveBarcode(ctx, barcode)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "CBC", res.Items[0].TestCode)
}

func TestAssignBarcodeRetriesOnCollision(t *testing.T) {
	ctx := context.Background()
	repo := lab.NewMemoryRepository()
	first := newRequest(t, repo)
	second := newRequest(t, repo)
	reg := newRegistry(repo)

	seq := []int{1111, 1111, 2222}
	var mu sync.Mutex
	reg.rand = func() int {
		mu.Lock()
		defer mu.Unlock()
		n := seq[0]
		if len(seq) > 1 {
			seq = seq[1:]
		}
		return n
	}

	a, err := reg.AssignBarcode(ctx, first.ID, "EDTA", "nurse")
	require.NoError(t, err)
	b, err := reg.AssignBarcode(ctx, second.ID, "EDTA", "nurse")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Equal(t, "SP2603010830152222", b)
}

func TestAssignBarcodeGivesUp(t *testing.T) {
	ctx := context.Background()
	repo := lab.NewMemoryRepository()
	first := newRequest(t, repo)
	second := newRequest(t, repo)
	reg := newRegistry(repo)
	reg.rand = func() int { return 1234 }

	_, err := reg.AssignBarcode(ctx, first.ID, "EDTA", "nurse")
	require.NoError(t, err)
	_, err = reg.AssignBarcode(ctx, second.ID, "EDTA", "nurse")
	assert.ErrorIs(t, err, lab.ErrDuplicateBarcode)
}

func TestConfirmBarcodeIsUniqueAmongActiveSpecimens(t *testing.T) {
	ctx := context.Background()
	repo := lab.NewMemoryRepository()
	first := newRequest(t, repo)
	second := newRequest(t, repo)
	reg := newRegistry(repo)

	require.NoError(t, reg.ConfirmBarcode(ctx, first.ID, "TUBE-1", "SERUM", "nurse"))
	require.NoError(t, reg.ConfirmBarcode(ctx, first.ID, "TUBE-1", "SERUM", "nurse"))

	err := reg.ConfirmBarcode(ctx, second.ID, "TUBE-1", "SERUM", "nurse")
	assert.ErrorIs(t, err, lab.ErrDuplicateBarcode)

	history, err := repo.History(ctx, first.ID)
	require.NoError(t, err)
	stamps := 0
	for _, e := range history {
		if e.EventType == lab.EventBarcodeAssigned {
			stamps++
		}
	}
	assert.Equal(t, 1, stamps)

	assert.ErrorIs(t, reg.ConfirmBarcode(ctx, first.ID, "", "SERUM", "nurse"), ErrBarcodeRequired)
}

func TestRetireFreesBarcodeForReuse(t *testing.T) {
	ctx := context.Background()
	repo := lab.NewMemoryRepository()
	first := newRequest(t, repo)
	second := newRequest(t, repo)
	reg := newRegistry(repo)

	require.NoError(t, reg.ConfirmBarcode(ctx, first.ID, "TUBE-9", "", "nurse"))

	req, err := repo.GetRequest(ctx, first.ID)
	require.NoError(t, err)
	require.NoError(t, reg.Retire(ctx, req, "TUBE-9"))
	_, err = reg.ResolveBarcode(ctx, "TUBE-9")
	require.NoError(t, err, "active items still hold the barcode")

	for _, it := range req.Items {
		require.NoError(t, it.Reject("hemolysis", "tech-1", time.Now()))
	}
	require.NoError(t, repo.Commit(ctx, new(lab.Change).AddItems(req.Items...)))
	require.NoError(t, reg.Retire(ctx, req, "TUBE-9"))

	_, err = reg.ResolveBarcode(ctx, "TUBE-9")
	assert.ErrorIs(t, err, lab.ErrNotFound)
	assert.NoError(t, reg.ConfirmBarcode(ctx, second.ID, "TUBE-9", "", "nurse"))
}

func TestBarcodesSurviveRestart(t *testing.T) {
	ctx := context.Background()
	repo := lab.NewMemoryRepository()
	first := newRequest(t, repo)
	second := newRequest(t, repo)

	barcode, err := newRegistry(repo).AssignBarcode(ctx, first.ID, "EDTA", "nurse-1")
	require.NoError(t, err)

	restarted := newRegistry(repo)
	res, err := restarted.ResolveBarcode(ctx, barcode)
	require.NoError(t, err)
	assert.Equal(t, first.ID, res.Request.ID)
	assert.Equal(t, "EDTA", res.SpecimenType)

	err = restarted.ConfirmBarcode(ctx, second.ID, barcode, "EDTA", "nurse-2")
	assert.ErrorIs(t, err, lab.ErrDuplicateBarcode)
}

func TestRestoreSkipsRetiredBarcodes(t *testing.T) {
	ctx := context.Background()
	repo := lab.NewMemoryRepository()
	live := newRequest(t, repo)
	done := newRequest(t, repo)
	reg := newRegistry(repo)

	require.NoError(t, reg.ConfirmBarcode(ctx, live.ID, "TUBE-1", "EDTA", "nurse"))
	require.NoError(t, reg.ConfirmBarcode(ctx, done.ID, "TUBE-2", "EDTA", "nurse"))

	req, err := repo.GetRequest(ctx, done.ID)
	require.NoError(t, err)
	for _, it := range req.Items {
		require.NoError(t, it.Reject("clotted", "tech-1", time.Now()))
	}
	require.NoError(t, repo.Commit(ctx, new(lab.Change).AddItems(req.Items...)))

	restarted := newRegistry(repo)
	n, err := restarted.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = restarted.ResolveBarcode(ctx, "TUBE-1")
	assert.NoError(t, err)
	_, err = restarted.ResolveBarcode(ctx, "TUBE-2")
	assert.ErrorIs(t, err, lab.ErrNotFound)
}

func TestResolveUnknownBarcode(t *testing.T) {
	reg := newRegistry(lab.NewMemoryRepository())
	_, err := reg.ResolveBarcode(context.Background(), "SP000")
	assert.ErrorIs(t, err, lab.ErrNotFound)
}

func TestMemoryIndexConcurrentClaims(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()

	var wg sync.WaitGroup
	wins := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			if err := idx.Claim(ctx, "SP1", Binding{RequestID: id}); err == nil {
				wins <- id
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	assert.Equal(t, 1, count)
}
