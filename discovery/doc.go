// Package discovery is the host network a kadnode DHT runs on. Hosts
// announce their DHT capabilities to each other over the packet transport
// and answer probes with the DHT capable hosts they know.
//
// A Service implements dht.Host, so it can back a dht.Manager directly:
//
//	svc, err := discovery.New(discovery.Config{Transport: tr, Seeds: seeds})
//	if err != nil {
//	    return err
//	}
//	manager := dht.NewManager(opts, svc)
//	svc.Attach(manager, dht.ModeActive)
//	if err := svc.Start(); err != nil {
//	    return err
//	}
//
// Every message carries the sender's mode, membership and DHT address.
// Hosts not heard from within HostTTL are forgotten; the last one leaving
// raises dht.NetworkDisconnected.
package discovery
