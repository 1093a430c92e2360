package controller

import "github.com/twentyft/laksa/pkg/bus"

// tableEntry declares a command's required params, whether the sender
// expects a reply, and whether it may only arrive from a node rid.
//
// reply is contract metadata for client and transport implementors; the
// dispatcher does not enforce it. upload_slab and upload_complete carry
// reply=false yet their handlers answer with a log line, which clients
// rely on.
type tableEntry struct {
	params   []string
	reply    bool
	nodeOnly bool
	handler  func(*Controller, *bus.Message) error
}

// commands is the static command table; the enumeration is exhaustive.
// upload_requirements has no required params: an absent layers list
// reads as an empty offer.
var commands = map[string]tableEntry{
	"inform_external_ip": {[]string{"ip"}, false, true, (*Controller).informExternalIP},
	"update_stats":       {[]string{"stats"}, false, true, (*Controller).updateStats},

	"wait_tcp":       {[]string{"container", "port"}, true, false, (*Controller).waitTCP},
	"create_tunnel":  {[]string{"container", "port", "timeout"}, false, false, (*Controller).createTunnel},
	"destroy_tunnel": {[]string{"tunnel"}, false, false, (*Controller).destroyTunnel},
	"to_proxy":       {[]string{"tunnel", "proxy"}, false, false, (*Controller).toProxy},
	"close_proxy":    {[]string{"tunnel", "proxy"}, false, false, (*Controller).closeProxy},

	"cache_description":    {[]string{"image_id", "description"}, false, false, (*Controller).cacheDescription},
	"retrieve_description": {[]string{"image_id"}, true, false, (*Controller).retrieveDescription},

	"upload_requirements": {nil, true, false, (*Controller).uploadRequirements},
	"upload_slab":         {[]string{"sha256", "slab"}, false, false, (*Controller).uploadSlab},
	"upload_complete":     {[]string{"sha256"}, false, false, (*Controller).uploadComplete},

	"create_volume":   {[]string{"tag", "async"}, true, false, (*Controller).createVolume},
	"destroy_volume":  {[]string{"volume"}, true, false, (*Controller).destroyVolume},
	"snapshot_volume": {[]string{"volume"}, false, false, (*Controller).snapshotVolume},
	"rollback_volume": {[]string{"volume"}, false, false, (*Controller).rollbackVolume},

	"approve_tag":         {[]string{"user", "tag"}, true, false, (*Controller).approveTag},
	"allocate_ip":         {[]string{"container"}, true, true, (*Controller).allocateIP},
	"dependent_container": {[]string{"container", "node_pk", "ip", "cookie"}, false, true, (*Controller).dependentContainer},
	"destroyed_container": {[]string{"container", "node_pk"}, false, true, (*Controller).destroyedContainer},

	"prepare_domain":      {[]string{"domain"}, true, false, (*Controller).prepareDomain},
	"claim_domain":        {[]string{"domain"}, true, false, (*Controller).claimDomain},
	"make_domain_global":  {[]string{"domain"}, true, false, (*Controller).makeDomainGlobal},
	"make_domain_private": {[]string{"domain"}, true, false, (*Controller).makeDomainPrivate},
	"release_domain":      {[]string{"domain"}, true, false, (*Controller).releaseDomain},

	"publish_web":         {[]string{"domain", "subdomain", "rewrite", "ssl", "containers"}, true, false, (*Controller).publishWeb},
	"unpublish_web":       {[]string{"cluster"}, false, false, (*Controller).unpublishWeb},
	"add_to_cluster":      {[]string{"cluster", "container"}, true, false, (*Controller).addToCluster},
	"remove_from_cluster": {[]string{"cluster", "container"}, false, false, (*Controller).removeFromCluster},

	"heartbeat": {nil, false, false, (*Controller).heartbeat},
	"ping":      {nil, true, false, (*Controller).ping},
}
