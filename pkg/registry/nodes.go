package registry

import (
	"github.com/jianpingh/stategraph/pkg/nodes/approval"
	"github.com/jianpingh/stategraph/pkg/nodes/httprequest"
	"github.com/jianpingh/stategraph/pkg/nodes/switchnode"
	"github.com/jianpingh/stategraph/pkg/nodes/transform"
)

// RegisterDefaultNodes registers all built-in node and selector factories
// with the registry.
func (r *Registry) RegisterDefaultNodes() {
	r.RegisterNode(httprequest.NewNodeFactory())
	r.RegisterNode(transform.NewNodeFactory())
	r.RegisterNode(approval.NewNodeFactory())

	r.RegisterSelector(switchnode.NewSelectorFactory())
}
