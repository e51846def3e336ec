package credential

import (
	"fmt"
	"sync"

	"github.com/civkit/civkitd/wire"
)

// ServicePolicy and CredentialPolicy are opaque operator-configured blobs;
// the gateway itself does not interpret them beyond storing and announcing
// them (spec.md §4.5.3).
type ServicePolicy struct {
	Description string
}

type CredentialPolicy struct {
	PricePerCredential uint64
}

// hostedService is one entry in the gateway's service registry.
type hostedService struct {
	ServicePubKey     string
	CredentialPolicy  CredentialPolicy
	ServicePolicy     ServicePolicy
	RegistrationHeight uint32
}

// ServiceRegistry tracks hosted_services and the set already announced via
// a relay notice, supporting the Admin Facade's RegisterService RPC and
// the periodic announcement tick described in spec.md §4.5.3.
type ServiceRegistry struct {
	mu        sync.Mutex
	services  map[string]*hostedService
	announced map[string]bool
}

// NewServiceRegistry constructs an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{
		services:  make(map[string]*hostedService),
		announced: make(map[string]bool),
	}
}

// Register adds or updates a hosted service, driven by an internal RPC
// from the Admin Facade's CivkitService.RegisterService.
func (r *ServiceRegistry) Register(pubKey string, cp CredentialPolicy, sp ServicePolicy, height uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[pubKey] = &hostedService{
		ServicePubKey:      pubKey,
		CredentialPolicy:   cp,
		ServicePolicy:      sp,
		RegistrationHeight: height,
	}
}

// Get returns the registered service for pubKey, if any.
func (r *ServiceRegistry) Get(pubKey string) (*hostedService, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.services[pubKey]
	return s, ok
}

// PendingAnnouncements returns services registered since the last call to
// MarkAnnounced, for the periodic relay-notice broadcast.
func (r *ServiceRegistry) PendingAnnouncements() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []string
	for pubKey := range r.services {
		if !r.announced[pubKey] {
			pending = append(pending, pubKey)
		}
	}
	return pending
}

// MarkAnnounced records that pubKeys have just been broadcast in a relay
// notice.
func (r *ServiceRegistry) MarkAnnounced(pubKeys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pk := range pubKeys {
		r.announced[pk] = true
	}
}

// AnnouncementNotice builds the relay NOTICE event text for a batch of
// newly registered services.
func AnnouncementNotice(pubKeys []string) *wire.NoticeMsg {
	return &wire.NoticeMsg{
		Message: fmt.Sprintf("new services registered: %v", pubKeys),
	}
}
