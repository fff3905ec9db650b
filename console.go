package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"devlink/crypto"
	"devlink/handlers/battery"
	"devlink/network"
	"devlink/registry"
	"devlink/storage"
	"devlink/trust"
)

// console is the line-oriented stand-in for a UI. Each line is one command.
type console struct {
	reg     *registry.Registry
	battery *battery.Plugin
	store   *storage.Store
	trust   *trust.Store
	out     io.Writer

	// newProvider builds an unstarted provider presenting identity. Resets
	// use it to replace the running one.
	newProvider func(identity *crypto.Identity) (*network.Provider, error)

	mu       sync.Mutex
	provider *network.Provider
}

const consoleHelp = `commands:
  peers                      list connected, visible and saved peers
  pair <id>                  request pairing with a visible peer
  accept <id> | decline <id> answer a pairing request
  unpair <id>                forget a paired peer
  battery <id>               show and refresh a peer's battery status
  types <id> <type> on|off   enable or disable a packet type for a peer
  connect <host:port>        dial an address directly
  events [id]                show recent security events
  refresh                    re-announce and re-scan the network
  addresses                  show addresses this device can be reached on
  reset identity             regenerate this device's certificate
  reset all                  forget every peer and pin and regenerate the certificate
  quit`

func (c *console) run(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return
		}
		if err := c.exec(ctx, fields[0], fields[1:]); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *console) exec(ctx context.Context, cmd string, args []string) error {
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s: expected %d argument(s)", cmd, n)
		}
		return nil
	}

	switch cmd {
	case "help":
		fmt.Fprintln(c.out, consoleHelp)
	case "peers":
		c.printPeers("connected", c.reg.Connected())
		c.printPeers("visible", c.reg.Visible())
		c.printPeers("saved", c.reg.Saved())
	case "pair":
		if err := need(1); err != nil {
			return err
		}
		return c.current().Pair(args[0])
	case "accept":
		if err := need(1); err != nil {
			return err
		}
		return c.current().AcceptTrust(args[0])
	case "decline":
		if err := need(1); err != nil {
			return err
		}
		return c.current().DeclineTrust(args[0])
	case "unpair":
		if err := need(1); err != nil {
			return err
		}
		return c.current().Unpair(args[0])
	case "battery":
		if err := need(1); err != nil {
			return err
		}
		if status, ok := c.battery.Status(args[0]); ok {
			fmt.Fprintf(c.out, "%s: %d%% charging=%t low=%t (as of %s)\n",
				args[0], status.Charge, status.Charging, status.Low(), status.Updated.Format("15:04:05"))
		}
		return c.battery.RequestStatus(args[0])
	case "types":
		if err := need(3); err != nil {
			return err
		}
		return c.reg.SetPacketTypeEnabled(args[0], args[1], args[2] == "on")
	case "connect":
		if err := need(1); err != nil {
			return err
		}
		link, err := c.current().Connect(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "linked to %s (%s)\n", link.PeerID(), link.Peer().DeviceName)
	case "events":
		var peerID string
		if len(args) > 0 {
			peerID = args[0]
		}
		events, err := c.store.RecentSecurityEvents(peerID, 20)
		if err != nil {
			return err
		}
		for _, event := range events {
			peer := "-"
			if event.PeerID != nil {
				peer = *event.PeerID
			}
			fmt.Fprintf(c.out, "%s %-8s %-16s %s %s\n",
				time.UnixMilli(event.Timestamp).Format(time.DateTime), event.Severity, event.EventType, peer, event.Details)
		}
	case "refresh":
		return c.current().RefreshDiscovery(ctx)
	case "addresses":
		addrs, err := c.current().ReachableAddresses()
		if err != nil {
			return err
		}
		for _, addr := range addrs {
			fmt.Fprintln(c.out, addr)
		}
	case "reset":
		if err := need(1); err != nil {
			return err
		}
		return c.reset(args[0])
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return nil
}

func (c *console) printPeers(title string, peers []registry.Peer) {
	fmt.Fprintf(c.out, "%s (%d)\n", title, len(peers))
	for _, peer := range peers {
		fmt.Fprintf(c.out, "  %-36s %-20s %-8s %s\n", peer.ID, peer.DisplayName, peer.Class, peer.State)
	}
}

func (c *console) current() *network.Provider {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.provider
}

func (c *console) stop() {
	if p := c.current(); p != nil {
		p.Stop()
	}
}

// reset restarts the link provider around a trust change. "identity"
// regenerates the local certificate and keeps every pin; "all" also forgets
// every peer, pin and stored record.
func (c *console) reset(scope string) error {
	event := storage.SecurityEventIdentityReset
	switch scope {
	case "identity":
	case "all":
		event = storage.SecurityEventFactoryReset
	default:
		return fmt.Errorf("reset: expected identity or all, got %q", scope)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.provider.Stop()

	var errs error
	details := map[string]any{}
	if scope == "all" {
		c.reg.Reset()
		pins, err := c.trust.PinnedPeers()
		errs = multierr.Append(errs, err)
		details["pins"] = len(pins)
		errs = multierr.Append(errs, c.trust.PurgeAll())
		removed, err := c.store.RemoveAllPeers()
		errs = multierr.Append(errs, err)
		details["peers"] = removed
	} else if _, err := c.trust.ResetIdentity(); err != nil {
		errs = multierr.Append(errs, err)
	}

	identity, err := c.trust.Identity()
	if err != nil {
		return multierr.Append(errs, err)
	}
	details["fingerprint"] = identity.Fingerprint()
	errs = multierr.Append(errs, c.store.RecordSecurityEvent(event, "", storage.SecuritySeverityWarning, details))

	provider, err := c.newProvider(identity)
	if err == nil {
		err = provider.Start()
	}
	if err != nil {
		return multierr.Append(errs, fmt.Errorf("restart link provider: %w", err))
	}
	c.provider = provider

	fmt.Fprintf(c.out, "reset %s: fingerprint is now %s\n", scope, crypto.FormatFingerprint(identity.Fingerprint()))
	return errs
}
