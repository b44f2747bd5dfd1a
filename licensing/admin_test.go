package licensing_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate.app/cloud/licensing"
	"licensegate.app/cloud/models"
	"licensegate.app/cloud/storage"
)

var keyPattern = regexp.MustCompile(`^[0-9A-F]{8}-[0-9A-F]{4}-4[0-9A-F]{3}-[89AB][0-9A-F]{3}-[0-9A-F]{12}$`)

func TestNewKey(t *testing.T) {
	a, b := licensing.NewKey(), licensing.NewKey()
	assert.Regexp(t, keyPattern, a)
	assert.NotEqual(t, a, b)
}

func TestCreateLicense(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("defaults", func(t *testing.T) {
		l, err := f.svc.CreateLicense(ctx, licensing.CreateParams{Remark: "  team  "})
		require.NoError(t, err)
		assert.NotZero(t, l.ID)
		assert.Regexp(t, keyPattern, l.Key)
		assert.Equal(t, models.StatusActive, l.Status)
		assert.Equal(t, 1, l.MaxMachines)
		assert.Equal(t, models.StrategyFloating, l.Strategy)
		assert.Equal(t, "team", l.Remark)
		assert.Nil(t, l.ExpiresAt)
	})

	t.Run("with expiry", func(t *testing.T) {
		l, err := f.svc.CreateLicense(ctx, licensing.CreateParams{Days: 30, MaxMachines: 3, Strategy: models.StrategyStrict})
		require.NoError(t, err)
		require.NotNil(t, l.ExpiresAt)
		assert.True(t, l.ExpiresAt.Equal(f.clock.Now().AddDate(0, 0, 30)))
		assert.Equal(t, models.StrategyStrict, l.Strategy)

		stored, err := f.store.FindLicenseByKey(ctx, l.Key)
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, 3, stored.MaxMachines)
	})

	invalid := []struct {
		name   string
		params licensing.CreateParams
	}{
		{"negative days", licensing.CreateParams{Days: -1}},
		{"negative machines", licensing.CreateParams{MaxMachines: -2}},
		{"unknown strategy", licensing.CreateParams{Strategy: "ROUND_ROBIN"}},
	}
	for _, tt := range invalid {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateLicense(ctx, tt.params)
			assert.Equal(t, licensing.CodeInvalidRequest, licensing.CodeOf(err))
		})
	}
}

func TestUpdateLicense_AddDays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("extends from current expiry", func(t *testing.T) {
		l, err := f.svc.CreateLicense(ctx, licensing.CreateParams{Days: 10})
		require.NoError(t, err)
		before := *l.ExpiresAt

		updated, err := f.svc.UpdateLicense(ctx, l.ID, licensing.UpdateParams{AddDays: 5})
		require.NoError(t, err)
		assert.True(t, updated.ExpiresAt.Equal(before.AddDate(0, 0, 5)))
	})

	t.Run("extends expired license from now and reactivates", func(t *testing.T) {
		l, err := f.svc.CreateLicense(ctx, licensing.CreateParams{Days: 1})
		require.NoError(t, err)

		f.clock.Advance(72 * time.Hour)
		_, err = f.svc.Activate(ctx, l.Key, "fp", licensing.Meta{})
		require.ErrorIs(t, err, licensing.ErrLicenseExpired)

		updated, err := f.svc.UpdateLicense(ctx, l.ID, licensing.UpdateParams{AddDays: 7})
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, updated.Status)
		assert.True(t, updated.ExpiresAt.Equal(f.clock.Now().AddDate(0, 0, 7)))

		_, err = f.svc.Activate(ctx, l.Key, "fp", licensing.Meta{})
		assert.NoError(t, err)
	})
}

func TestUpdateLicense_Fields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l, err := f.svc.CreateLicense(ctx, licensing.CreateParams{})
	require.NoError(t, err)

	suspended := models.StatusSuspended
	remark := "paused"
	strict := models.StrategyStrict
	updated, err := f.svc.UpdateLicense(ctx, l.ID, licensing.UpdateParams{
		Status:   &suspended,
		Remark:   &remark,
		Strategy: &strict,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuspended, updated.Status)
	assert.Equal(t, "paused", updated.Remark)
	assert.Equal(t, models.StrategyStrict, updated.Strategy)

	_, err = f.svc.Activate(ctx, l.Key, "fp", licensing.Meta{})
	assert.ErrorIs(t, err, licensing.ErrLicenseUnavailable)

	_, err = f.svc.UpdateLicense(ctx, 9999, licensing.UpdateParams{Remark: &remark})
	assert.ErrorIs(t, err, licensing.ErrNotFound)

	bogus := models.Status("GONE")
	_, err = f.svc.UpdateLicense(ctx, l.ID, licensing.UpdateParams{Status: &bogus})
	assert.Equal(t, licensing.CodeInvalidRequest, licensing.CodeOf(err))

	zero := 0
	_, err = f.svc.UpdateLicense(ctx, l.ID, licensing.UpdateParams{MaxMachines: &zero})
	assert.Equal(t, licensing.CodeInvalidRequest, licensing.CodeOf(err))
}

func TestDeleteLicense(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l, err := f.svc.CreateLicense(ctx, licensing.CreateParams{})
	require.NoError(t, err)
	_, err = f.svc.Activate(ctx, l.Key, "fp", licensing.Meta{})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteLicense(ctx, l.ID))
	assert.ErrorIs(t, f.svc.DeleteLicense(ctx, l.ID), licensing.ErrNotFound)

	_, err = f.svc.Activate(ctx, l.Key, "fp", licensing.Meta{})
	assert.ErrorIs(t, err, licensing.ErrInvalidLicense)

	_, err = f.svc.ResetMachines(ctx, l.ID)
	assert.ErrorIs(t, err, licensing.ErrNotFound)
}

func TestListLicenses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	used, err := f.svc.CreateLicense(ctx, licensing.CreateParams{Days: 30, MaxMachines: 2, Remark: "studio"})
	require.NoError(t, err)
	unused, err := f.svc.CreateLicense(ctx, licensing.CreateParams{})
	require.NoError(t, err)

	_, err = f.svc.Activate(ctx, used.Key, "fingerprint-aaaa", licensing.Meta{IP: "10.0.0.1", Hostname: "first"})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.svc.Activate(ctx, used.Key, "fingerprint-bbbb", licensing.Meta{IP: "10.0.0.2"})
	require.NoError(t, err)

	page, err := f.svc.ListLicenses(ctx, storage.LicenseFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 10, page.PageSize)

	views := map[int64]licensing.LicenseView{}
	for _, v := range page.Items {
		views[v.ID] = v
	}

	u := views[used.ID]
	assert.Equal(t, models.StatusActive, u.Status)
	assert.Equal(t, 2, u.UsedCount)
	assert.True(t, u.IsActivated)
	assert.False(t, u.IsPermanent)
	assert.Equal(t, "10.0.0.2", u.LastIP)
	assert.Equal(t, []string{"Device-fingerpr", "first"}, u.MachineNames)
	require.NotNil(t, u.LastSeenAt)
	assert.True(t, u.LastSeenAt.Equal(f.clock.Now()))

	n := views[unused.ID]
	assert.Equal(t, models.StatusInactive, n.Status)
	assert.Equal(t, models.StatusActive, n.RawStatus)
	assert.True(t, n.IsPermanent)
	assert.Equal(t, models.PerpetualDays, n.RemainingDays)
	assert.Empty(t, n.MachineNames)

	page, err = f.svc.ListLicenses(ctx, storage.LicenseFilter{Usage: storage.UsageUnused})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, unused.ID, page.Items[0].ID)

	page, err = f.svc.ListLicenses(ctx, storage.LicenseFilter{Keyword: "STUDIO"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, used.ID, page.Items[0].ID)

	_, err = f.svc.ListLicenses(ctx, storage.LicenseFilter{Status: "WHATEVER"})
	assert.Equal(t, licensing.CodeInvalidRequest, licensing.CodeOf(err))
}

func TestListLicenses_ExpiredFilterSeesOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l, err := f.svc.CreateLicense(ctx, licensing.CreateParams{Days: 1})
	require.NoError(t, err)
	f.clock.Advance(48 * time.Hour)

	page, err := f.svc.ListLicenses(ctx, storage.LicenseFilter{Status: models.StatusExpired})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, l.ID, page.Items[0].ID)
	assert.Equal(t, models.StatusExpired, page.Items[0].RawStatus)
}

func TestListMachinesAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l, err := f.svc.CreateLicense(ctx, licensing.CreateParams{Days: 3, MaxMachines: 5, Remark: "lab"})
	require.NoError(t, err)
	_, err = f.svc.CreateLicense(ctx, licensing.CreateParams{})
	require.NoError(t, err)

	_, err = f.svc.Activate(ctx, l.Key, "fp-stale", licensing.Meta{Hostname: "old-box"})
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = f.svc.Activate(ctx, l.Key, "fp-live", licensing.Meta{IP: "192.168.1.9"})
	require.NoError(t, err)

	page, err := f.svc.ListMachines(ctx, storage.MachineFilter{})
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)

	online := map[string]bool{}
	for _, m := range page.Items {
		online[m.Fingerprint] = m.IsOnline
		assert.Equal(t, l.Key, m.LicenseKey)
		assert.Equal(t, "lab", m.LicenseRemark)
	}
	assert.False(t, online["fp-stale"])
	assert.True(t, online["fp-live"])

	page, err = f.svc.ListMachines(ctx, storage.MachineFilter{Keyword: "192.168"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Device-fp-live", page.Items[0].Name)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalLicenses)
	assert.Equal(t, int64(1), stats.ActivatedLicenses)
	assert.Equal(t, int64(2), stats.TotalMachines)
	assert.Equal(t, int64(1), stats.OnlineMachines)
	assert.Equal(t, int64(1), stats.ExpiringSoon)
}

func TestUpdateLicense_ShrinkEvictsOldest(t *testing.T) {
	for _, strategy := range []models.Strategy{models.StrategyFloating, models.StrategyStrict} {
		t.Run(string(strategy), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			l, err := f.svc.CreateLicense(ctx, licensing.CreateParams{MaxMachines: 3, Strategy: strategy})
			require.NoError(t, err)
			for _, fp := range []string{"a", "b", "c"} {
				_, err := f.svc.Activate(ctx, l.Key, fp, licensing.Meta{})
				require.NoError(t, err)
				f.clock.Advance(time.Minute)
			}

			one := 1
			updated, err := f.svc.UpdateLicense(ctx, l.ID, licensing.UpdateParams{MaxMachines: &one})
			require.NoError(t, err)
			require.Len(t, updated.Machines, 1)
			assert.Equal(t, "c", updated.Machines[0].Fingerprint)
			assert.Equal(t, []string{"c"}, fingerprints(f.machines(t, l.Key)))

			assert.ErrorIs(t, f.svc.Heartbeat(ctx, l.Key, "a"), licensing.ErrKicked)
			assert.ErrorIs(t, f.svc.Heartbeat(ctx, l.Key, "b"), licensing.ErrKicked)

			res, err := f.svc.Activate(ctx, l.Key, "c", licensing.Meta{})
			require.NoError(t, err)
			assert.Equal(t, licensing.MessageWelcomeBack, res.Message)
			assert.Len(t, f.machines(t, l.Key), 1)
		})
	}
}

func TestUpdateLicense_GrowKeepsMachines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l, err := f.svc.CreateLicense(ctx, licensing.CreateParams{MaxMachines: 2})
	require.NoError(t, err)
	for _, fp := range []string{"a", "b"} {
		_, err := f.svc.Activate(ctx, l.Key, fp, licensing.Meta{})
		require.NoError(t, err)
	}

	five := 5
	updated, err := f.svc.UpdateLicense(ctx, l.ID, licensing.UpdateParams{MaxMachines: &five})
	require.NoError(t, err)
	assert.Len(t, updated.Machines, 2)
	assert.Len(t, f.machines(t, l.Key), 2)
}
