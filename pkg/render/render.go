package render

import (
	"errors"
	"fmt"
	"net/netip"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vmpool/vmpool/pkg/config"
	"github.com/vmpool/vmpool/pkg/engine"
)

// DefaultMaxNumber is the largest VM sequence number when none is configured.
const DefaultMaxNumber = 99999

// maxNameLength is the longest hostname label a VM may carry.
const maxNameLength = 63

// DefaultTimezone is rendered when a request names no time zone.
const DefaultTimezone = "Etc/UTC"

var prefixPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$|^[a-z]$`)

// Renderer validates build requests and renders their variables.
type Renderer struct {
	placements map[string]config.Placement
	maxNumber  int
	validate   *validator.Validate
}

var _ engine.Renderer = (*Renderer)(nil)

// New creates a renderer over the configured environment placements.
func New(placements map[string]config.Placement, maxNumber int) *Renderer {
	if maxNumber <= 0 {
		maxNumber = DefaultMaxNumber
	}
	return &Renderer{
		placements: placements,
		maxNumber:  maxNumber,
		validate:   newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("vmprefix", func(fl validator.FieldLevel) bool {
		return prefixPattern.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks a request before anything is reserved or allocated. It
// returns the first violation as an *engine.ValidationError.
func (r *Renderer) Validate(req *engine.BuildRequest) error {
	if err := r.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return &engine.ValidationError{Field: "request", Reason: err.Error()}
	}

	if _, ok := r.placements[req.Environment]; !ok {
		return &engine.ValidationError{Field: "environment", Reason: fmt.Sprintf("unknown environment %q", req.Environment)}
	}

	if longest := engine.VMName(req.Prefix, r.maxNumber); len(longest) > maxNameLength {
		return &engine.ValidationError{
			Field:  "prefix",
			Reason: fmt.Sprintf("names would exceed %d characters", maxNameLength),
		}
	}

	if req.StartNumber > 0 {
		if last := req.StartNumber + req.Quantity - 1; last > r.maxNumber {
			return &engine.ValidationError{
				Field:  "start_number",
				Reason: fmt.Sprintf("last name number %d exceeds the naming limit %d", last, r.maxNumber),
			}
		}
	} else if req.Quantity > r.maxNumber {
		return &engine.ValidationError{
			Field:  "quantity",
			Reason: fmt.Sprintf("exceeds the naming limit %d", r.maxNumber),
		}
	}

	return nil
}

// NetworkContext returns where addresses for the request are drawn from.
func (r *Renderer) NetworkContext(req *engine.BuildRequest) (engine.NetworkContext, error) {
	p, ok := r.placements[req.Environment]
	if !ok {
		return engine.NetworkContext{}, &engine.ValidationError{
			Field:  "environment",
			Reason: fmt.Sprintf("unknown environment %q", req.Environment),
		}
	}
	return engine.NetworkContext{PrefixID: p.PrefixID, DNSDomain: p.DNSDomain}, nil
}

// Render builds the complete variable mapping. addresses holds one IPv4
// address per VM in name order. The request must carry its reserved start
// number.
func (r *Renderer) Render(req *engine.BuildRequest, addresses []string) (engine.Variables, error) {
	if err := r.Validate(req); err != nil {
		return nil, err
	}
	if req.StartNumber < 1 {
		return nil, &engine.ValidationError{Field: "start_number", Reason: "must be reserved before rendering"}
	}
	if len(addresses) != req.Quantity {
		return nil, &engine.ValidationError{
			Field:  "ipv4_address",
			Reason: fmt.Sprintf("got %d addresses for %d VMs", len(addresses), req.Quantity),
		}
	}

	gateway := netip.MustParseAddr(req.Network.Gateway)
	subnet, _ := gateway.Prefix(req.Network.Netmask)
	seen := make(map[string]bool, len(addresses))
	ips := make([]string, 0, len(addresses))
	for i, raw := range addresses {
		addr, err := parseAddress(raw)
		if err != nil {
			return nil, &engine.ValidationError{Field: fmt.Sprintf("ipv4_address[%d]", i), Reason: err.Error()}
		}
		if !subnet.Contains(addr) {
			return nil, &engine.ValidationError{
				Field:  fmt.Sprintf("ipv4_address[%d]", i),
				Reason: fmt.Sprintf("%s is outside %s", addr, subnet),
			}
		}
		if seen[addr.String()] {
			return nil, &engine.ValidationError{
				Field:  fmt.Sprintf("ipv4_address[%d]", i),
				Reason: fmt.Sprintf("%s is assigned twice", addr),
			}
		}
		seen[addr.String()] = true
		ips = append(ips, addr.String())
	}

	p := r.placements[req.Environment]

	disks := make([]map[string]any, 0, len(req.AdditionalDisks))
	for _, d := range req.AdditionalDisks {
		disks = append(disks, map[string]any{"size": d.SizeGB, "type": d.Type})
	}

	tz := req.Timezone
	if tz == "" {
		tz = DefaultTimezone
	}

	vars := engine.Variables{
		"name":             req.Prefix,
		"vm_names":         req.VMNames(),
		"quantity":         req.Quantity,
		"start_number":     req.StartNumber,
		"num_cpus":         req.CPUs,
		"memory":           req.MemoryMB,
		"disk_size":        req.DiskGB,
		"additional_disks": disks,
		"guest_id":         p.GuestID,
		"adapter_type":     p.AdapterType,
		"time_zone":        tz,
		"resource_pool_id": p.ResourcePoolID,
		"network_id":       p.NetworkID,
		"template_uuid":    p.TemplateUUID,
		"dns_servers":      append([]string(nil), req.Network.DNS...),
		"ipv4_address":     ips,
		"ipv4_netmask":     req.Network.Netmask,
		"ipv4_gateway":     req.Network.Gateway,
	}
	if p.DatastoreClusterID != "" {
		vars["datastore_cluster_id"] = p.DatastoreClusterID
	} else {
		vars["datastore_id"] = p.DatastoreID
	}

	return vars, nil
}

// parseAddress accepts a bare IPv4 address or one in CIDR notation, as the
// allocator reports them.
func parseAddress(raw string) (netip.Addr, error) {
	if strings.Contains(raw, "/") {
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return netip.Addr{}, err
		}
		raw = prefix.Addr().String()
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, err
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%s is not an IPv4 address", raw)
	}
	return addr, nil
}

func fieldError(fe validator.FieldError) *engine.ValidationError {
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}

	var reason string
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "min":
		if fe.Kind() == reflect.Slice {
			reason = fmt.Sprintf("must have at least %s entries", fe.Param())
		} else {
			reason = fmt.Sprintf("must be at least %s", fe.Param())
		}
	case "max":
		reason = fmt.Sprintf("must be at most %s", fe.Param())
	case "gt":
		reason = fmt.Sprintf("must be greater than %s", fe.Param())
	case "oneof":
		reason = fmt.Sprintf("must be one of [%s]", fe.Param())
	case "ipv4":
		reason = fmt.Sprintf("%q is not an IPv4 address", fe.Value())
	case "vmprefix":
		reason = "must start with a lowercase letter and contain only lowercase letters, digits and hyphens"
	default:
		reason = fmt.Sprintf("failed %s validation", fe.Tag())
	}
	return &engine.ValidationError{Field: field, Reason: reason}
}
