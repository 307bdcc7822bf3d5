package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain"
)

func TestAdmin_SeedOnlyWhenAbsent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.SaveProviderConfig(ctx, domain.ProviderConfig{Platform: "qq", DisplayName: "stored"}))

	n, err := h.router.Seed(ctx, []domain.ProviderConfig{
		{Platform: "qq", DisplayName: "seed"},
		{Platform: "slack", DisplayName: "seed", IsEnabled: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	qq, err := h.store.GetProviderConfig(ctx, "qq")
	require.NoError(t, err)
	assert.Equal(t, "stored", qq.DisplayName)
	slack, err := h.store.GetProviderConfig(ctx, "slack")
	require.NoError(t, err)
	assert.True(t, slack.IsEnabled)
}

func TestAdmin_EnableDisableRestartProvider(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := &fakeProvider{platform: "qq"}
	h.router.RegisterProvider(p)
	require.NoError(t, h.store.SaveProviderConfig(ctx, domain.ProviderConfig{
		Platform: "qq", ConfigData: map[string]string{"appId": "1"},
	}))
	require.NoError(t, h.router.Initialize(ctx))

	st, err := h.router.Enable(ctx, "qq")
	require.NoError(t, err)
	assert.True(t, st.IsEnabled)
	assert.True(t, st.Ready)
	inits, downs := p.counts()
	assert.Equal(t, 1, inits)
	assert.Zero(t, downs)
	assert.Equal(t, "1", p.inits[0].Get("appId"))

	stored, err := h.store.GetProviderConfig(ctx, "qq")
	require.NoError(t, err)
	assert.True(t, stored.IsEnabled)

	st, err = h.router.Disable(ctx, "qq")
	require.NoError(t, err)
	assert.False(t, st.Ready)
	_, downs = p.counts()
	assert.Equal(t, 1, downs)

	_, _, err = h.router.Resolve("qq")
	assert.ErrorIs(t, err, domain.ErrProviderDisabled)

	_, err = h.router.Enable(ctx, "irc")
	assert.ErrorIs(t, err, domain.ErrUnknownPlatform)
}

func TestAdmin_SaveConfigShutsDownBeforeApplying(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := &fakeProvider{platform: "qq"}
	h.router.RegisterProvider(p)
	h.enable(t, "qq")
	require.NoError(t, h.router.Initialize(ctx))

	st, err := h.router.SaveConfig(ctx, domain.ProviderConfig{
		Platform: "qq", IsEnabled: true, MessageInterval: time.Second,
	})
	require.NoError(t, err)
	assert.True(t, st.Ready)
	assert.Equal(t, time.Second, st.MessageInterval)

	inits, downs := p.counts()
	assert.Equal(t, 2, inits)
	assert.Equal(t, 1, downs)

	_, cfg, err := h.router.Resolve("qq")
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.MessageInterval)
}

func TestAdmin_ReloadReadsStore(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := &fakeProvider{platform: "qq"}
	h.router.RegisterProvider(p)
	h.enable(t, "qq")
	require.NoError(t, h.router.Initialize(ctx))

	require.NoError(t, h.store.SaveProviderConfig(ctx, domain.ProviderConfig{
		Platform: "qq", IsEnabled: true, DisplayName: "edited",
	}))
	st, err := h.router.Reload(ctx, "qq")
	require.NoError(t, err)
	assert.Equal(t, "edited", st.DisplayName)
	assert.True(t, st.Ready)

	list, err := h.router.ListConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "edited", list[0].DisplayName)
}

func TestAdmin_FailedInitializeReportsErrorButKeepsConfig(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := &fakeProvider{platform: "qq", initErr: domain.ErrMissingCredential}
	h.router.RegisterProvider(p)

	st, err := h.router.SaveConfig(ctx, domain.ProviderConfig{Platform: "qq", IsEnabled: true})
	assert.ErrorIs(t, err, domain.ErrMissingCredential)
	assert.True(t, st.IsEnabled)
	assert.False(t, st.Ready)
}

func TestAdmin_DeleteConfig(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := &fakeProvider{platform: "qq"}
	h.router.RegisterProvider(p)
	h.enable(t, "qq")
	require.NoError(t, h.router.Initialize(ctx))

	require.NoError(t, h.router.DeleteConfig(ctx, "qq"))
	_, err := h.store.GetProviderConfig(ctx, "qq")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, _, err = h.router.Resolve("qq")
	assert.ErrorIs(t, err, domain.ErrProviderDisabled)

	assert.ErrorIs(t, h.router.DeleteConfig(ctx, "qq"), domain.ErrNotFound)
}
