package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func seedTenant(t *testing.T, ctx context.Context, ts *TenantStore) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, ts.Create(ctx, TenantRecord{
		TenantID:     id,
		DisplayName:  "shop_" + id[:8],
		Credential:   id + ":token",
		RegisteredAt: time.Now().UTC(),
	}))
	return id
}

func seedProduct(t *testing.T, ctx context.Context, cs *CatalogStore, st *StockStore, tenantID, code string, items []string) {
	t.Helper()
	require.NoError(t, cs.AddProduct(ctx, ProductRecord{
		TenantID: tenantID,
		Code:     code,
		Name:     "Product " + code,
		Price:    10000,
	}))
	if len(items) > 0 {
		require.NoError(t, st.Add(ctx, tenantID, code, items))
	}
}

func TestReserveIsFIFOAndExactlyOnce(t *testing.T) {
	pool, cleanup := mustTestPool(t)
	defer cleanup()
	ctx := context.Background()

	ts, _ := NewTenantStore(pool)
	cs, _ := NewCatalogStore(pool)
	st, _ := NewStockStore(pool)

	tenantID := seedTenant(t, ctx, ts)
	seedProduct(t, ctx, cs, st, tenantID, "NF", []string{"A", "B", "C"})

	items, err := st.Reserve(ctx, tenantID, "NF", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, items)

	count, err := st.Count(ctx, tenantID, "NF")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	_, err = st.Reserve(ctx, tenantID, "NF", 2)
	require.ErrorIs(t, err, ErrInsufficientStock)

	count, err = st.Count(ctx, tenantID, "NF")
	require.NoError(t, err)
	require.Equal(t, 1, count, "failed reservation must not consume stock")
}

func TestConcurrentReserveNeverOversells(t *testing.T) {
	pool, cleanup := mustTestPool(t)
	defer cleanup()
	ctx := context.Background()

	ts, _ := NewTenantStore(pool)
	cs, _ := NewCatalogStore(pool)
	st, _ := NewStockStore(pool)

	tenantID := seedTenant(t, ctx, ts)
	seedProduct(t, ctx, cs, st, tenantID, "NF", []string{"A", "B", "C"})

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := st.Reserve(ctx, tenantID, "NF", 2)
			results <- err
		}()
	}

	var failures int
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			require.ErrorIs(t, err, ErrInsufficientStock)
			failures++
		}
	}
	require.Equal(t, 1, failures, "exactly one of two competing reservations must fail")

	count, err := st.Count(ctx, tenantID, "NF")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestDebitRejectsWholesale(t *testing.T) {
	pool, cleanup := mustTestPool(t)
	defer cleanup()
	ctx := context.Background()

	ts, _ := NewTenantStore(pool)
	ms, _ := NewMemberStore(pool)

	tenantID := seedTenant(t, ctx, ts)
	require.NoError(t, ms.Upsert(ctx, tenantID, 42, "buyer"))

	saldo, err := ms.Credit(ctx, tenantID, 42, 5000)
	require.NoError(t, err)
	require.EqualValues(t, 5000, saldo)

	_, err = ms.Debit(ctx, tenantID, 42, 6000)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	saldo, err = ms.Debit(ctx, tenantID, 42, 5000)
	require.NoError(t, err)
	require.EqualValues(t, 0, saldo)

	_, err = ms.Debit(ctx, tenantID, 999, 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSettleDepositIsExactlyOnce(t *testing.T) {
	pool, cleanup := mustTestPool(t)
	defer cleanup()
	ctx := context.Background()

	ts, _ := NewTenantStore(pool)
	ms, _ := NewMemberStore(pool)
	os1, _ := NewOrderStore(pool)

	tenantID := seedTenant(t, ctx, ts)
	require.NoError(t, ms.Upsert(ctx, tenantID, 7, "depositor"))
	require.NoError(t, os1.Create(ctx, OrderRecord{
		TenantID:  tenantID,
		RefCode:   "ref-1",
		UserID:    7,
		OrderType: OrderTypeDeposit,
		Qty:       1,
		Total:     50000,
	}))

	_, saldo, err := os1.SettleDeposit(ctx, tenantID, "ref-1")
	require.NoError(t, err)
	require.EqualValues(t, 50000, saldo)

	_, _, err = os1.SettleDeposit(ctx, tenantID, "ref-1")
	require.ErrorIs(t, err, ErrNotFound, "second settle must observe already-resolved")

	member, err := ms.Get(ctx, tenantID, 7)
	require.NoError(t, err)
	require.EqualValues(t, 50000, member.Saldo, "credit applied exactly once")
}

func TestSettlePurchaseLeavesOrderOnShortStock(t *testing.T) {
	pool, cleanup := mustTestPool(t)
	defer cleanup()
	ctx := context.Background()

	ts, _ := NewTenantStore(pool)
	cs, _ := NewCatalogStore(pool)
	st, _ := NewStockStore(pool)
	os1, _ := NewOrderStore(pool)

	tenantID := seedTenant(t, ctx, ts)
	seedProduct(t, ctx, cs, st, tenantID, "NF", []string{"A"})

	code := "NF"
	require.NoError(t, os1.Create(ctx, OrderRecord{
		TenantID:    tenantID,
		RefCode:     "ref-2",
		UserID:      7,
		OrderType:   OrderTypePurchase,
		ProductCode: &code,
		Qty:         2,
		Total:       20000,
	}))

	_, _, err := os1.SettlePurchase(ctx, tenantID, "ref-2")
	require.ErrorIs(t, err, ErrInsufficientStock)

	_, err = os1.Get(ctx, tenantID, "ref-2")
	require.NoError(t, err, "order must stay pending when stock is short")

	require.NoError(t, st.Add(ctx, tenantID, "NF", []string{"B"}))

	rec, items, err := os1.SettlePurchase(ctx, tenantID, "ref-2")
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, items)
	require.Equal(t, "ref-2", rec.RefCode)

	_, err = os1.Get(ctx, tenantID, "ref-2")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeregisterCascades(t *testing.T) {
	pool, cleanup := mustTestPool(t)
	defer cleanup()
	ctx := context.Background()

	ts, _ := NewTenantStore(pool)
	ms, _ := NewMemberStore(pool)

	tenantID := seedTenant(t, ctx, ts)
	require.NoError(t, ms.Upsert(ctx, tenantID, 1, "member"))
	require.NoError(t, ts.Delete(ctx, tenantID))

	_, err := ms.Get(ctx, tenantID, 1)
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, ts.Delete(ctx, tenantID), ErrNotFound)
}

func TestSettingsWhitelist(t *testing.T) {
	pool, cleanup := mustTestPool(t)
	defer cleanup()
	ctx := context.Background()

	ts, _ := NewTenantStore(pool)
	ss, _ := NewSettingsStore(pool)

	tenantID := seedTenant(t, ctx, ts)

	require.NoError(t, ss.Set(ctx, tenantID, SettingWelcomeText, "hello"))
	got, err := ss.Get(ctx, tenantID, SettingWelcomeText)
	require.NoError(t, err)
	require.Equal(t, "hello", got)

	got, err = ss.Get(ctx, tenantID, SettingPhoto)
	require.NoError(t, err)
	require.Equal(t, "", got)

	err = ss.Set(ctx, tenantID, "drop table", "x")
	require.Error(t, err)
}
