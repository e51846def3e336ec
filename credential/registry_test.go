package credential

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServiceRegistryPendingAnnouncementsDedup(t *testing.T) {
	r := NewServiceRegistry()
	r.Register("pub1", CredentialPolicy{PricePerCredential: 10}, ServicePolicy{Description: "svc one"}, 100)

	pending := r.PendingAnnouncements()
	require.Equal(t, []string{"pub1"}, pending)

	r.MarkAnnounced(pending)
	require.Empty(t, r.PendingAnnouncements())

	r.Register("pub2", CredentialPolicy{}, ServicePolicy{}, 200)
	require.Equal(t, []string{"pub2"}, r.PendingAnnouncements())
}

func TestServiceRegistryGet(t *testing.T) {
	r := NewServiceRegistry()
	_, ok := r.Get("missing")
	require.False(t, ok)

	r.Register("pub1", CredentialPolicy{PricePerCredential: 5}, ServicePolicy{Description: "d"}, 1)
	svc, ok := r.Get("pub1")
	require.True(t, ok)
	require.Equal(t, uint64(5), svc.CredentialPolicy.PricePerCredential)
}

func TestAnnouncementNoticeMentionsPubKeys(t *testing.T) {
	notice := AnnouncementNotice([]string{"pub1", "pub2"})
	require.Contains(t, notice.Message, "pub1")
	require.Contains(t, notice.Message, "pub2")
}
