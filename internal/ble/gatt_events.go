package ble

import (
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// An adapter holds a single connect handler, and outside Linux every
// transport shares bluetooth.DefaultAdapter. The handler installed here
// routes each disconnect to the transport watching that address.
var disconnectWatch = struct {
	sync.Mutex
	byAdapter map[*bluetooth.Adapter]map[string]*GATTTransport
}{byAdapter: make(map[*bluetooth.Adapter]map[string]*GATTTransport)}

// watchDisconnects routes adapter disconnect events for t's address to t.
// The adapter's handler is installed with the first transport.
func watchDisconnects(adapter *bluetooth.Adapter, t *GATTTransport) {
	disconnectWatch.Lock()
	defer disconnectWatch.Unlock()

	watchers, ok := disconnectWatch.byAdapter[adapter]
	if !ok {
		watchers = make(map[string]*GATTTransport)
		disconnectWatch.byAdapter[adapter] = watchers
		adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
			if !connected {
				dispatchDisconnect(adapter, d.Address.String())
			}
		})
	}
	watchers[watchKey(t.addressString())] = t
}

// unwatchDisconnects stops routing events to t. The adapter entry is dropped
// with its last transport.
func unwatchDisconnects(adapter *bluetooth.Adapter, t *GATTTransport) {
	disconnectWatch.Lock()
	defer disconnectWatch.Unlock()

	watchers := disconnectWatch.byAdapter[adapter]
	key := watchKey(t.addressString())
	if watchers[key] != t {
		return
	}
	delete(watchers, key)
	if len(watchers) == 0 {
		delete(disconnectWatch.byAdapter, adapter)
	}
}

func dispatchDisconnect(adapter *bluetooth.Adapter, address string) {
	disconnectWatch.Lock()
	t := disconnectWatch.byAdapter[adapter][watchKey(address)]
	disconnectWatch.Unlock()

	if t != nil {
		t.peripheralLost()
	}
}

func watchKey(address string) string {
	return strings.ToUpper(address)
}
