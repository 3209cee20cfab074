package orders

import "fmt"

// ResourceType names the kinds of records the order service locks. The lock
// engine only ever sees the string form.
type ResourceType string

const (
	ResourceOrder    ResourceType = "order"
	ResourceCustomer ResourceType = "customer"
	ResourceDiscount ResourceType = "discount"
)

var AllResourceTypes = []ResourceType{
	ResourceOrder,
	ResourceCustomer,
	ResourceDiscount,
}

func (r ResourceType) String() string {
	return string(r)
}

func ParseResourceType(s string) (ResourceType, error) {
	for _, r := range AllResourceTypes {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown resource type %q", s)
}
