package alert

import (
	"github.com/perflens/perflens/pkg/store"
)

// evaluateAbortRules checks an alert's raw tag map against the configured
// abort rules. The first matching rule supplies the reported key/value,
// but evaluation continues through every rule so the decision never
// depends on rule ordering.
func evaluateAbortRules(
	rules []store.AbortAlertTagRule,
	rawTags map[string]string,
) (key, value string, aborted bool) {
	for _, rule := range rules {
		tagValue, present := rawTags[rule.TagKey]
		if !present {
			continue
		}

		if rule.TagValue != "" && rule.TagValue != tagValue {
			continue
		}

		if !aborted {
			key, value, aborted = rule.TagKey, tagValue, true
		}
	}

	return key, value, aborted
}
