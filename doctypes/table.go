package doctypes

import "sync"

// Builtin is the table of document types trellis knows about
var Builtin = []DocType{
	{Name: "Unidentified", ContentType: "application/vnd.trellisfw.unidentified", Key: Unidentified},
	{Name: "PDF", ContentType: "application/pdf", Key: "pdfs"},
	{
		Name:        "Certificate of Insurance",
		ContentType: "application/vnd.trellisfw.coi.accord.1+json",
		Key:         "cois",
		Aliases:     []string{"coi", "cois", "ACORD 25"},
	},
	{
		Name:        "FSQA Audit",
		ContentType: "application/vnd.trellisfw.audit.sqfi.1+json",
		Key:         "fsqa-audits",
		Aliases:     []string{"audit", "Food Safety Audit", "SQF Audit"},
	},
	{
		Name:        "FSQA Certificate",
		ContentType: "application/vnd.trellisfw.certification.sqfi.1+json",
		Key:         "fsqa-certificates",
		Aliases:     []string{"cert", "certificate", "Food Safety Certificate"},
	},
	{
		Name:        "Letter of Guarantee",
		ContentType: "application/vnd.trellisfw.letter-of-guarantee.1+json",
		Key:         "letters-of-guarantee",
		Aliases:     []string{"log", "Letter of Guaranty", "Continuing Guarantee"},
	},
	{
		Name:        "Product Specification",
		ContentType: "application/vnd.trellisfw.product-spec.1+json",
		Key:         "product-specs",
		Aliases:     []string{"Product Spec", "Specification"},
	},
	{
		Name:        "Nutrition Information",
		ContentType: "application/vnd.trellisfw.nutrition-information.1+json",
		Key:         "nutrition-information",
	},
	{
		Name:        "Sanitation Audit",
		ContentType: "application/vnd.trellisfw.sanitation-audit.1+json",
		Key:         "sanitation-audits",
	},
	{
		Name:        "Animal Welfare Audit",
		ContentType: "application/vnd.trellisfw.animal-welfare-audit.1+json",
		Key:         "animal-welfare-audits",
	},
	{
		Name:        "Pest Control Report",
		ContentType: "application/vnd.trellisfw.pest-control.1+json",
		Key:         "pest-control-reports",
	},
	{
		Name:        "Advance Ship Notice",
		ContentType: "application/vnd.trellisfw.asn.sf.1+json",
		Key:         "asns",
		Aliases:     []string{"asn"},
	},
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the registry over Builtin
func Default() *Registry {
	defaultOnce.Do(func() {
		r, err := New(Builtin)
		if err != nil {
			panic(err)
		}
		defaultReg = r
	})
	return defaultReg
}
