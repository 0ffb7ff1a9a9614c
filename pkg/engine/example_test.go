package engine_test

import (
	"fmt"
	"strings"

	"github.com/occigate/occigate/pkg/engine"
)

// vm stands in for a native object returned by a backend API.
type vm struct {
	ID     int
	Name   string
	VCPU   int
	Status string
}

// Example_adapterBuildingBlocks shows how an adapter turns a native object
// into an entity: a mapper table fills the attributes the schema declares,
// and the lifecycle derives the canonical state and enabled actions.
func Example_adapterBuildingBlocks() {
	table := engine.MapperTable[vm]{
		engine.Map(engine.AttrID, func(v vm) any { return fmt.Sprint(v.ID) }),
		engine.Map(engine.AttrTitle, func(v vm) any { return v.Name }),
		engine.Map("occi.compute.cores", func(v vm) any { return v.VCPU }),
		engine.Map("occi.compute.hostname", func(v vm) any { return "" }),
	}
	declared := engine.NewAttributeSet(engine.AttrID, engine.AttrTitle, "occi.compute.cores", "occi.compute.hostname")

	lifecycle := engine.Lifecycle{
		StateAttribute: "occi.compute.state",
		States: engine.StateMap{
			Table: map[string]string{"RUNNING": engine.StateActive, "POWEROFF": engine.StateInactive},
		},
		Partition: engine.ActionPartition{
			ActiveStates: []string{engine.StateActive},
			Active:       []string{"stop", "restart", "suspend"},
			Inactive:     []string{"start"},
		},
	}

	native := vm{ID: 42, Name: "web", VCPU: 2, Status: "RUNNING"}

	attrs, err := engine.Transfer(native, declared, engine.TransferSpec[vm]{table})
	if err != nil {
		fmt.Println(err)
		return
	}
	e := engine.NewEntity(engine.SubtypeCompute)
	e.Attach(attrs)
	state := lifecycle.Apply(e, native.Status)

	_, hasHostname := e.Attributes["occi.compute.hostname"]
	fmt.Println(e.Location(), e.Title, e.Attributes["occi.compute.cores"])
	fmt.Println(state, strings.Join(e.Actions, ","))
	fmt.Println("hostname set:", hasHostname)
	// Output:
	// /compute/42 web 2
	// active restart,stop,suspend
	// hostname set: false
}

// ExampleParseCompositeID shows identifiers of links that live inside a
// parent resource.
func ExampleParseCompositeID() {
	id, err := engine.FormatCompositeID("compute", "42", "nic", "0")
	if err != nil {
		fmt.Println(err)
		return
	}
	parsed, err := engine.ParseCompositeID(id, engine.CompositePattern("compute", "nic"))
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(id)
	fmt.Println(parsed.ParentID, parsed.SubID)

	_, err = engine.ParseCompositeID("compute_42", engine.CompositePattern("compute", "nic"))
	fmt.Println(engine.KindOf(err) == engine.KindMalformedIdentifier)
	// Output:
	// compute_42_nic_0
	// 42 0
	// true
}
