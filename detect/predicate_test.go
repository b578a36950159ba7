package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"bastion/core"
)

func testEvent() *core.Event {
	e := core.NewEvent()
	e.Host = "ws-01"
	e.SubjectUser = "alice"
	e.ProcessName = "powershell.exe"
	e.EventCode = "4624"
	e.Severity = 2
	e.Fields["logon_type"] = "10"
	e.Fields["bytes_out"] = float64(4096)
	return e
}

func TestEvalPredicateLeafOps(t *testing.T) {
	e := testEvent()

	tests := []struct {
		name string
		pred core.Predicate
		want bool
	}{
		{"equals hit", core.Predicate{Field: "host", Op: core.OpEquals, Value: "ws-01"}, true},
		{"equals miss", core.Predicate{Field: "host", Op: core.OpEquals, Value: "ws-02"}, false},
		{"not equals", core.Predicate{Field: "host", Op: core.OpNotEquals, Value: "ws-02"}, true},
		{"contains", core.Predicate{Field: "process_name", Op: core.OpContains, Value: "shell"}, true},
		{"starts with", core.Predicate{Field: "process_name", Op: core.OpStartsWith, Value: "power"}, true},
		{"ends with", core.Predicate{Field: "process_name", Op: core.OpEndsWith, Value: ".exe"}, true},
		{"in hit", core.Predicate{Field: "event_code", Op: core.OpIn, Value: []interface{}{"4624", "4625"}}, true},
		{"in miss", core.Predicate{Field: "event_code", Op: core.OpIn, Value: []interface{}{"4688"}}, false},
		{"gt on bag field", core.Predicate{Field: "bytes_out", Op: core.OpGreaterThan, Value: 1024}, true},
		{"lte miss", core.Predicate{Field: "bytes_out", Op: core.OpLessOrEq, Value: 100}, false},
		{"numeric equals across types", core.Predicate{Field: "severity", Op: core.OpEquals, Value: float64(2)}, true},
		{"regex hit", core.Predicate{Field: "process_name", Op: core.OpRegex, Value: `(?i)^power.*\.exe$`}, true},
		{"regex invalid pattern", core.Predicate{Field: "process_name", Op: core.OpRegex, Value: `([`}, false},
		{"missing field never matches", core.Predicate{Field: "no_such", Op: core.OpEquals, Value: "x"}, false},
		{"missing field not equals", core.Predicate{Field: "no_such", Op: core.OpNotEquals, Value: "x"}, true},
		{"bag field equals", core.Predicate{Field: "logon_type", Op: core.OpEquals, Value: "10"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvalPredicate(&tt.pred, e))
		})
	}
}

func TestEvalPredicateComposite(t *testing.T) {
	e := testEvent()

	all := core.Predicate{All: []core.Predicate{
		{Field: "host", Op: core.OpEquals, Value: "ws-01"},
		{Field: "subject_user", Op: core.OpEquals, Value: "alice"},
	}}
	assert.True(t, EvalPredicate(&all, e))

	all.All[1].Value = "bob"
	assert.False(t, EvalPredicate(&all, e))

	any := core.Predicate{Any: []core.Predicate{
		{Field: "host", Op: core.OpEquals, Value: "ws-99"},
		{Field: "subject_user", Op: core.OpEquals, Value: "alice"},
	}}
	assert.True(t, EvalPredicate(&any, e))

	nested := core.Predicate{All: []core.Predicate{
		{Field: "event_code", Op: core.OpEquals, Value: "4624"},
		{Any: []core.Predicate{
			{Field: "logon_type", Op: core.OpEquals, Value: "10"},
			{Field: "logon_type", Op: core.OpEquals, Value: "3"},
		}},
	}}
	assert.True(t, EvalPredicate(&nested, e))

	// nil predicate matches everything
	assert.True(t, EvalPredicate(nil, e))
}
