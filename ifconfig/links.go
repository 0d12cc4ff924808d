package ifconfig

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/vishvananda/netlink"
)

var ErrNoSuchLink = errors.New("no such interface")

// LinkInfo is the live kernel view of one interface.
type LinkInfo struct {
	Name      string
	Type      string
	Index     int
	MTU       int
	Up        bool
	MAC       string
	Master    string
	Alias     string
	Addresses []string
}

// LinkReader reads live interface state.
type LinkReader interface {
	Link(name string) (LinkInfo, error)
	Links() ([]LinkInfo, error)
}

// NetlinkReader reads the kernel state over netlink.
type NetlinkReader struct{}

func (NetlinkReader) Link(name string) (LinkInfo, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var nf netlink.LinkNotFoundError
		if errors.As(err, &nf) {
			return LinkInfo{}, fmt.Errorf("%w: %s", ErrNoSuchLink, name)
		}
		return LinkInfo{}, fmt.Errorf("failed to read link %s: %w", name, err)
	}
	return linkInfo(link)
}

func (NetlinkReader) Links() ([]LinkInfo, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	out := make([]LinkInfo, 0, len(links))
	for _, link := range links {
		info, err := linkInfo(link)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func linkInfo(link netlink.Link) (LinkInfo, error) {
	attrs := link.Attrs()
	info := LinkInfo{
		Name:  attrs.Name,
		Type:  link.Type(),
		Index: attrs.Index,
		MTU:   attrs.MTU,
		Up:    attrs.Flags&net.FlagUp != 0,
		MAC:   attrs.HardwareAddr.String(),
		Alias: attrs.Alias,
	}
	if attrs.MasterIndex > 0 {
		if master, err := netlink.LinkByIndex(attrs.MasterIndex); err == nil {
			info.Master = master.Attrs().Name
		}
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return info, fmt.Errorf("failed to list addresses of %s: %w", attrs.Name, err)
	}
	for _, a := range addrs {
		if a.IP.IsLinkLocalUnicast() {
			continue
		}
		info.Addresses = append(info.Addresses, a.IPNet.String())
	}
	return info, nil
}

// FakeLinks is an in-memory LinkReader for tests.
type FakeLinks struct {
	mu    sync.Mutex
	links map[string]LinkInfo
}

func NewFakeLinks(links ...LinkInfo) *FakeLinks {
	f := &FakeLinks{links: map[string]LinkInfo{}}
	for _, l := range links {
		f.Put(l)
	}
	return f
}

func (f *FakeLinks) Put(l LinkInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[l.Name] = l
}

func (f *FakeLinks) Delete(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.links, name)
}

func (f *FakeLinks) Link(name string) (LinkInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.links[name]
	if !ok {
		return LinkInfo{}, fmt.Errorf("%w: %s", ErrNoSuchLink, name)
	}
	return l, nil
}

func (f *FakeLinks) Links() ([]LinkInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]LinkInfo, 0, len(f.links))
	for _, l := range f.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
