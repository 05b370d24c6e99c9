package auditor

import (
	"fmt"
	"sort"

	"sql-guard/internal/model"

	libinjection "github.com/corazawaf/libinjection-go"
)

// ParamInjectionRule runs libinjection over bound string parameters.
// Numbers, booleans and other types cannot carry an injection and are skipped.
type ParamInjectionRule struct {
	BaseRule
}

func (r *ParamInjectionRule) Name() string { return "param-injection" }

func (r *ParamInjectionRule) InspectsParams() bool { return true }

func (r *ParamInjectionRule) CheckRaw(exec *model.Execution, rep *model.Report) error {
	if len(exec.Params) == 0 {
		return nil
	}
	names := make([]string, 0, len(exec.Params))
	for name := range exec.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		var value string
		switch v := exec.Params[name].(type) {
		case string:
			value = v
		case []byte:
			value = string(v)
		default:
			continue
		}
		isSQLi, fingerprint := libinjection.IsSQLi(value)
		if !isSQLi {
			continue
		}
		rep.Detail("injection_param", name)
		rep.Detail("injection_fingerprint", string(fingerprint))
		rep.Add(model.SeverityHigh,
			fmt.Sprintf("Parameter %s looks like a SQL injection payload (fingerprint %s)", name, fingerprint),
			"Validate the input before binding it; never concatenate it into SQL.")
	}
	return nil
}
