package bpfmap_test

import (
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-ebpfpolicy/bpfmap"
	"github.com/frobware/go-ebpfpolicy/security"
)

func build(t *testing.T, ft security.FilterType, doc string) *security.SecurityOptions {
	t.Helper()
	opts, _, err := security.ParseSecurityOptions(ft, []byte(doc), security.ModeStrict)
	require.NoError(t, err)
	return opts
}

func render(t *testing.T, ft security.FilterType, doc string) *bpfmap.Rendering {
	t.Helper()
	r, err := bpfmap.Render(build(t, ft, doc))
	require.NoError(t, err)
	return r
}

func TestRenderFile(t *testing.T) {
	r := render(t, security.FilterTypeFile, `{"ConfigList":[
		{"CallName":["security_file_permission"],"Filter":[
			{"FilePath":"/etc","FileName":"passwd"},
			{"FilePath":"/etc"},
			{"FilePath":"/var/log"}]},
		{"Filter":[]}
	]}`)

	assert.Equal(t, security.FilterTypeFile, r.FilterType)
	spec := r.Spec(bpfmap.FileRulesMap)
	require.NotNil(t, spec)
	assert.Equal(t, ebpf.Hash, spec.Type)
	assert.Equal(t, uint32(4+bpfmap.PathMax), spec.KeySize)
	require.Len(t, spec.Contents, 3, "repeated path in a rule is merged")
	assert.Equal(t, uint32(3), spec.MaxEntries)

	etc := spec.Contents[0].Key.(bpfmap.FileKey)
	assert.Equal(t, uint32(0), etc.Rule)
	assert.Equal(t, "/etc", etc.PathString())
	assert.Equal(t, bpfmap.FileFlagNamePattern, spec.Contents[0].Value)

	assert.Equal(t, "/var/log", spec.Contents[1].Key.(bpfmap.FileKey).PathString())
	assert.Equal(t, uint32(0), spec.Contents[1].Value)

	all := spec.Contents[2].Key.(bpfmap.FileKey)
	assert.Equal(t, uint32(1), all.Rule)
	assert.Equal(t, "", all.PathString())
	assert.Equal(t, bpfmap.FileFlagMatchAll, spec.Contents[2].Value)

	calls := r.Spec(bpfmap.CallNamesMap)
	require.NotNil(t, calls)
	assert.Len(t, calls.Contents, 1)
	assert.Equal(t, 4, r.Entries())
}

func TestRenderFile_LongPathIsTruncated(t *testing.T) {
	long := "/" + strings.Repeat("a", bpfmap.PathMax)
	r := render(t, security.FilterTypeFile, `{"ConfigList":[{"Filter":[{"FilePath":"`+long+`","FileName":"*.log"}]}]}`)

	spec := r.Spec(bpfmap.FileRulesMap)
	require.Len(t, spec.Contents, 1)
	k := spec.Contents[0].Key.(bpfmap.FileKey)
	assert.Equal(t, long[:bpfmap.PathMax-1], k.PathString())
	assert.Equal(t, bpfmap.FileFlagNamePattern|bpfmap.FileFlagTruncated, spec.Contents[0].Value)

	require.Len(t, r.Deferred, 1)
	d := r.Deferred[0]
	assert.Equal(t, 0, d.Rule)
	assert.Equal(t, "FilePath", d.Field)
	assert.Equal(t, long, d.Value)
	assert.True(t, errors.Is(d.Err, bpfmap.ErrUnrenderable))
}

func TestRenderCallNameTooLong(t *testing.T) {
	long := strings.Repeat("x", bpfmap.CallNameMaxSize)
	r := render(t, security.FilterTypeFile, `{"ConfigList":[{"CallName":["open","`+long+`"],"Filter":[]}]}`)

	calls := r.Spec(bpfmap.CallNamesMap)
	require.Len(t, calls.Contents, 2)
	assert.Equal(t, bpfmap.CallNameListed, calls.Contents[0].Value)
	assert.Equal(t, bpfmap.CallNameDeferred, calls.Contents[1].Value)

	require.Len(t, r.Deferred, 1)
	assert.Equal(t, "CallName", r.Deferred[0].Field)
	assert.Equal(t, long, r.Deferred[0].Value)
}

func TestRenderProcess(t *testing.T) {
	r := render(t, security.FilterTypeProcess, `{"ConfigList":[
		{"Filter":{"NamespaceFilter":[{"NamespaceType":"Net","ValueList":["4026531993","net:[4026532000]"]}]}},
		{"Filter":{"NamespaceBlackFilter":[{"NamespaceType":"PidForChildren","ValueList":["4026531836"]}]}}
	]}`)

	rules := r.Spec(bpfmap.NSRulesMap)
	require.NotNil(t, rules)
	require.Len(t, rules.Contents, 3)

	k0 := rules.Contents[0].Key.(bpfmap.NSKey)
	assert.Equal(t, uint32(0), k0.Rule)
	assert.Equal(t, uint32(unix.CLONE_NEWNET), k0.Kind)
	assert.Equal(t, uint64(4026531993), k0.Inum)
	assert.Equal(t, bpfmap.NSActionAllow, rules.Contents[0].Value)
	assert.Equal(t, uint64(4026532000), rules.Contents[1].Key.(bpfmap.NSKey).Inum)

	k2 := rules.Contents[2].Key.(bpfmap.NSKey)
	assert.Equal(t, uint32(1), k2.Rule)
	assert.Equal(t, uint32(unix.CLONE_NEWPID), k2.Kind)
	assert.Equal(t, uint32(1), k2.ForChildren)
	assert.Equal(t, bpfmap.NSActionDeny, rules.Contents[2].Value)

	modes := r.Spec(bpfmap.NSModeMap)
	require.NotNil(t, modes)
	assert.Equal(t, ebpf.Array, modes.Type)
	assert.Equal(t, []ebpf.MapKV{
		{Key: uint32(0), Value: bpfmap.NSMode{Deny: 0}},
		{Key: uint32(1), Value: bpfmap.NSMode{Deny: 1}},
	}, modes.Contents)
}

func TestRenderProcess_NonNumericValueIsDeferred(t *testing.T) {
	r := render(t, security.FilterTypeProcess, `{"ConfigList":[
		{"Filter":{"NamespaceFilter":[{"NamespaceType":"Mnt","ValueList":["container-a","4026531841"]}]}},
		{"Filter":{"NamespaceBlackFilter":[{"NamespaceType":"Pid","ValueList":["x"]}]}}
	]}`)

	rules := r.Spec(bpfmap.NSRulesMap)
	require.Len(t, rules.Contents, 1, "only the inode number gets a key")
	assert.Equal(t, uint64(4026531841), rules.Contents[0].Key.(bpfmap.NSKey).Inum)

	assert.Equal(t, []ebpf.MapKV{
		{Key: uint32(0), Value: bpfmap.NSMode{Userspace: 1}},
		{Key: uint32(1), Value: bpfmap.NSMode{Deny: 1, Userspace: 1}},
	}, r.Spec(bpfmap.NSModeMap).Contents)

	require.Len(t, r.Deferred, 2)
	assert.Equal(t, bpfmap.Deferred{Rule: 0, Field: "NamespaceFilter", Value: "container-a", Err: r.Deferred[0].Err}, r.Deferred[0])
	assert.Equal(t, "NamespaceBlackFilter", r.Deferred[1].Field)
	assert.Equal(t, 1, r.Deferred[1].Rule)
	assert.True(t, errors.Is(r.Deferred[1].Err, bpfmap.ErrUnrenderable))
}

func TestCloneFlag(t *testing.T) {
	for _, nt := range security.NamespaceTypes() {
		_, _, ok := bpfmap.CloneFlag(nt)
		assert.True(t, ok, "%s has a clone flag", nt)
	}
	flag, children, ok := bpfmap.CloneFlag(security.NamespaceTimeForChildren)
	assert.True(t, ok)
	assert.True(t, children)
	assert.Equal(t, uint32(unix.CLONE_NEWTIME), flag)

	_, _, ok = bpfmap.CloneFlag("Bogus")
	assert.False(t, ok)
}

func TestParseNamespaceInode(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"4026531993", 4026531993, false},
		{" 12 ", 12, false},
		{"mnt:[4026531841]", 4026531841, false},
		{"mnt:[abc]", 0, true},
		{"", 0, true},
		{"-1", 0, true},
	}
	for _, tt := range tests {
		got, err := bpfmap.ParseNamespaceInode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestRenderNetwork(t *testing.T) {
	r := render(t, security.FilterTypeNetwork, `{"ConfigList":[{"Filter":{
		"DestPortList":[80,443],
		"DestPortBlackList":[80],
		"SourcePortList":[53],
		"DestAddrList":["10.0.0.0/8","2001:db8::1"],
		"SourceAddrBlackList":["192.168.1.7"]
	}}]}`)

	ports := r.Spec(bpfmap.PortRulesMap)
	require.NotNil(t, ports)
	assert.Equal(t, []ebpf.MapKV{
		{Key: bpfmap.PortKey{Rule: 0, Port: 80}, Value: bpfmap.NetDestAllow | bpfmap.NetDestDeny},
		{Key: bpfmap.PortKey{Rule: 0, Port: 443}, Value: bpfmap.NetDestAllow},
		{Key: bpfmap.PortKey{Rule: 0, Port: 53}, Value: bpfmap.NetSourceAllow},
	}, ports.Contents)

	addrs := r.Spec(bpfmap.AddrRulesMap)
	require.NotNil(t, addrs)
	assert.Equal(t, ebpf.LPMTrie, addrs.Type)
	assert.Equal(t, uint32(unix.BPF_F_NO_PREALLOC), addrs.Flags)
	require.Len(t, addrs.Contents, 3)

	k0 := addrs.Contents[0].Key.(bpfmap.AddrKey)
	assert.Equal(t, uint32(32+96+8), k0.PrefixLen)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.0/8"), k0.Prefix())
	assert.Equal(t, bpfmap.NetDestAllow, addrs.Contents[0].Value)

	k1 := addrs.Contents[1].Key.(bpfmap.AddrKey)
	assert.Equal(t, uint32(32+128), k1.PrefixLen)
	assert.Equal(t, netip.MustParsePrefix("2001:db8::1/128"), k1.Prefix())

	k2 := addrs.Contents[2].Key.(bpfmap.AddrKey)
	assert.Equal(t, netip.MustParsePrefix("192.168.1.7/32"), k2.Prefix())
	assert.Equal(t, bpfmap.NetSourceDeny, addrs.Contents[2].Value)
}

func TestRenderNetwork_Empty(t *testing.T) {
	r := render(t, security.FilterTypeNetwork, `{"ConfigList":[{"Filter":{}}]}`)
	assert.Empty(t, r.Deferred)
	for _, name := range []string{bpfmap.PortRulesMap, bpfmap.AddrRulesMap, bpfmap.NetDeferredMap} {
		spec := r.Spec(name)
		require.NotNil(t, spec, name)
		assert.Empty(t, spec.Contents)
		assert.Equal(t, uint32(1), spec.MaxEntries, "kernel rejects zero-sized maps")
	}
}

func TestRenderNetwork_HostNameIsDeferred(t *testing.T) {
	r := render(t, security.FilterTypeNetwork, `{"ConfigList":[
		{"Filter":{"DestPortList":[443]}},
		{"Filter":{"DestAddrList":["db.internal","10.0.0.1"],"SourceAddrBlackList":["bastion"]}}
	]}`)

	addrs := r.Spec(bpfmap.AddrRulesMap)
	require.Len(t, addrs.Contents, 1)
	assert.Equal(t, netip.MustParsePrefix("10.0.0.1/32"), addrs.Contents[0].Key.(bpfmap.AddrKey).Prefix())

	deferred := r.Spec(bpfmap.NetDeferredMap)
	require.NotNil(t, deferred)
	assert.Equal(t, ebpf.Array, deferred.Type)
	assert.Equal(t, uint32(2), deferred.MaxEntries)
	assert.Equal(t, []ebpf.MapKV{
		{Key: uint32(1), Value: bpfmap.NetDestAllow | bpfmap.NetSourceDeny},
	}, deferred.Contents)

	require.Len(t, r.Deferred, 2)
	assert.Equal(t, "DestAddrList", r.Deferred[0].Field)
	assert.Equal(t, "db.internal", r.Deferred[0].Value)
	assert.Equal(t, "SourceAddrBlackList", r.Deferred[1].Field)
	assert.Equal(t, "bastion", r.Deferred[1].Value)
}

func TestParseAddr(t *testing.T) {
	tests := map[string]string{
		"10.1.2.3":      "10.1.2.3/32",
		"10.1.2.3/16":   "10.1.0.0/16",
		"fe80::1":       "fe80::1/128",
		"2001:db8::/32": "2001:db8::/32",
	}
	for in, want := range tests {
		got, err := bpfmap.ParseAddr(in)
		require.NoError(t, err, in)
		assert.Equal(t, netip.MustParsePrefix(want), got, in)
	}
	_, err := bpfmap.ParseAddr("300.1.1.1")
	assert.Error(t, err)
}

func TestRenderNil(t *testing.T) {
	_, err := bpfmap.Render(nil)
	assert.Error(t, err)
}
