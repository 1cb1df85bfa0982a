package raster

import "sort"

// Metadata domains used by this package.
const (
	DomainDefault        = ""
	DomainImageStructure = "IMAGE_STRUCTURE"
)

// Well-known metadata keys.
const (
	MDStatisticsMinimum      = "STATISTICS_MINIMUM"
	MDStatisticsMaximum      = "STATISTICS_MAXIMUM"
	MDStatisticsMean         = "STATISTICS_MEAN"
	MDStatisticsStdDev       = "STATISTICS_STDDEV"
	MDStatisticsApproximate  = "STATISTICS_APPROXIMATE"
	MDStatisticsValidPercent = "STATISTICS_VALID_PERCENT"
	MDPixelType              = "PIXELTYPE"
	MDNoDataValues           = "NODATA_VALUES"
)

var statisticsKeys = []string{
	MDStatisticsMinimum, MDStatisticsMaximum, MDStatisticsMean, MDStatisticsStdDev,
	MDStatisticsApproximate, MDStatisticsValidPercent,
}

// metadataStore maps domain → key → value. The zero value is empty.
type metadataStore struct {
	domains map[string]map[string]string
}

func (m *metadataStore) get(key, domain string) (string, bool) {
	v, ok := m.domains[domain][key]
	return v, ok
}

func (m *metadataStore) set(key, value, domain string) {
	if m.domains == nil {
		m.domains = make(map[string]map[string]string)
	}
	d := m.domains[domain]
	if d == nil {
		d = make(map[string]string)
		m.domains[domain] = d
	}
	d[key] = value
}

func (m *metadataStore) remove(key, domain string) {
	delete(m.domains[domain], key)
}

// list returns a copy of one domain.
func (m *metadataStore) list(domain string) map[string]string {
	out := make(map[string]string, len(m.domains[domain]))
	for k, v := range m.domains[domain] {
		out[k] = v
	}
	return out
}

func (m *metadataStore) domainNames() []string {
	names := make([]string, 0, len(m.domains))
	for d := range m.domains {
		names = append(names, d)
	}
	sort.Strings(names)
	return names
}
