package attestproxy

import (
	"crypto/rand"
	"sync"

	"github.com/google/uuid"

	"github.com/veraison-labs/veil/internal/policy"
	"github.com/veraison-labs/veil/internal/rootenclave"
)

// device tracks one attesting enclave across its /Start -> AttestationToken
// exchange. Devices are identified by a monotonically increasing id
// assigned on first contact, matching the root-enclave protocol's
// device_id field. traceID is a separate, human-grep-able correlation id
// for log lines; the wire protocol never sees it.
type device struct {
	platform policy.Platform
	nonce    [rootenclave.NonceSize]byte
	consumed bool
	traceID  string
}

// deviceTable is the proxy attestation service's in-memory bookkeeping of
// in-flight challenges, guarded by its own mutex so Service's handlers can
// stay lock-free for everything else.
type deviceTable struct {
	mu      sync.Mutex
	next    int32
	devices map[int32]*device
}

func newDeviceTable() *deviceTable {
	return &deviceTable{devices: map[int32]*device{}}
}

// start mints a new device id and a fresh nonce challenge for platform.
func (t *deviceTable) start(platform policy.Platform) (deviceID int32, nonce [rootenclave.NonceSize]byte, err error) {
	if _, err = rand.Read(nonce[:]); err != nil {
		return 0, nonce, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	deviceID = t.next
	t.next++
	traceID := uuid.New().String()
	t.devices[deviceID] = &device{platform: platform, nonce: nonce, traceID: traceID}
	elog.Printf("trace %s: started device %d for platform %s", traceID, deviceID, platform)
	return deviceID, nonce, nil
}

// consume looks up deviceID's pending challenge and marks it consumed. It
// fails if the device is unknown, belongs to a different platform, or its
// challenge was already consumed (replay).
func (t *deviceTable) consume(deviceID int32, platform policy.Platform) (nonce [rootenclave.NonceSize]byte, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.devices[deviceID]
	if !ok {
		return nonce, errUnknownDevice
	}
	if d.platform != platform {
		return nonce, errPlatformMismatch
	}
	if d.consumed {
		return nonce, errChallengeReplayed
	}
	d.consumed = true
	elog.Printf("trace %s: consumed challenge for device %d", d.traceID, deviceID)
	return d.nonce, nil
}
