package genieacs

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/openfroyo/froyo-acs/pkg/engine"
)

// EventConnectionRequest is the inform event carried by contacts the ACS
// initiates through the NBI.
const EventConnectionRequest = "6 CONNECTION REQUEST"

// DeviceSource yields a contact for every GenieACS device matching a query.
// The device list is fetched on the first call to Identify. It implements
// engine.IdentitySource.
type DeviceSource struct {
	client *Client
	filter map[string]interface{}
	now    func() time.Time

	once     sync.Once
	mu       sync.Mutex
	contacts []engine.Contact
	err      error
}

// NewDeviceSource creates a source over the devices matching filter. A nil
// filter selects every device.
func NewDeviceSource(client *Client, filter map[string]interface{}) *DeviceSource {
	return &DeviceSource{client: client, filter: filter, now: time.Now}
}

// WithClock sets the session clock stamped on contacts.
func (s *DeviceSource) WithClock(now func() time.Time) *DeviceSource {
	s.now = now
	return s
}

func (s *DeviceSource) load(ctx context.Context) {
	docs, err := s.client.QueryDevices(ctx, s.filter, []string{"_id", "_deviceId", "_lastInform", "Device.DeviceInfo.SoftwareVersion"})
	if err != nil {
		s.err = fmt.Errorf("failed to list devices: %w", err)
		return
	}
	ts := s.now().UTC()
	for _, doc := range docs {
		identity := doc.Identity()
		if identity.Validate() != nil {
			continue
		}
		s.contacts = append(s.contacts, engine.Contact{
			Device:    identity,
			Timestamp: ts,
			DataModel: doc.DataModel(),
			Events:    []string{EventConnectionRequest},
		})
	}
}

// Identify implements engine.IdentitySource.
func (s *DeviceSource) Identify(ctx context.Context) (engine.Contact, error) {
	s.once.Do(func() { s.load(ctx) })
	if s.err != nil {
		return engine.Contact{}, s.err
	}
	if err := ctx.Err(); err != nil {
		return engine.Contact{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.contacts) == 0 {
		return engine.Contact{}, io.EOF
	}
	c := s.contacts[0]
	s.contacts = s.contacts[1:]
	return c, nil
}

var _ engine.IdentitySource = (*DeviceSource)(nil)
