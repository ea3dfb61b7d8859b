package booking

import (
	_ "embed"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PortNumber53/apelier/backend/internal/models"
)

const (
	// TemplateContractSigning invites the client to review and sign the agreement.
	TemplateContractSigning = "contract_signing"

	// ContractValidity is how long a sent agreement stays open for signing.
	ContractValidity = 30 * 24 * time.Hour
)

// DefaultContract is used when an account has not written its own agreement.
//
//go:embed contract_default.txt
var DefaultContract string

var (
	conditionalBlock = regexp.MustCompile(`(?s)\{\{#if (\w+)\}\}\n?(.*?)\{\{/if\}\}`)
	placeholder      = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)
	blankRun         = regexp.MustCompile(`\n{3,}`)
)

// RenderContract fills {{name}} placeholders from values. A
// {{#if flag}}...{{/if}} block survives only when its flag is set. Unknown
// placeholders are left as written so the photographer can spot them.
func RenderContract(tmpl string, values map[string]string, flags map[string]bool) string {
	out := conditionalBlock.ReplaceAllStringFunc(tmpl, func(block string) string {
		m := conditionalBlock.FindStringSubmatch(block)
		if flags[m[1]] {
			return m[2]
		}
		return ""
	})
	out = placeholder.ReplaceAllStringFunc(out, func(ph string) string {
		if v, ok := values[placeholder.FindStringSubmatch(ph)[1]]; ok {
			return v
		}
		return ph
	})
	return blankRun.ReplaceAllString(out, "\n\n")
}

func buildContract(q *models.Quote, amount int64, invoices []models.Invoice, depositPct int, token string, now time.Time) *models.Contract {
	tmpl := q.ContractTemplate
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultContract
	}

	packageName := "Custom"
	if q.Package != nil && q.Package.Name != "" {
		packageName = q.Package.Name
	}

	values := map[string]string{
		"client_name":       clientFullName(q),
		"client_email":      q.ClientEmail,
		"job_date":          jobDate(q),
		"job_time":          "TBC",
		"job_location":      valueOr(q.Location, "TBC"),
		"package_name":      packageName,
		"package_amount":    FormatAUD(amount),
		"included_images":   includedImages(q),
		"business_name":     q.BusinessName,
		"photographer_name": q.BusinessName,
		"today_date":        now.Format(displayDate),
		"deposit_amount":    FormatAUD(0),
		"deposit_percent":   "0",
		"final_amount":      FormatAUD(amount),
	}
	deposit := len(invoices) == 2 && invoices[0].Kind == models.InvoiceDeposit
	if deposit {
		values["deposit_amount"] = FormatAUD(invoices[0].AmountCents)
		values["deposit_percent"] = strconv.Itoa(depositPct)
		values["final_amount"] = FormatAUD(invoices[1].AmountCents)
	}

	return &models.Contract{
		AccountID:    q.AccountID,
		ClientID:     q.ClientID,
		Content:      RenderContract(tmpl, values, map[string]bool{"deposit": deposit, "no_deposit": !deposit}),
		Status:       models.ContractSent,
		SigningToken: token,
		SentAt:       now,
		ExpiresAt:    now.Add(ContractValidity),
	}
}

func clientFullName(q *models.Quote) string {
	name := strings.TrimSpace(q.ClientFirstName + " " + q.ClientLastName)
	if name == "" {
		return "Client"
	}
	return name
}

func jobDate(q *models.Quote) string {
	if q.PreferredDate == nil {
		return "TBC"
	}
	return q.PreferredDate.Format(longDisplayDate)
}

func includedImages(q *models.Quote) string {
	if q.Package != nil && q.Package.IncludedImages != nil && *q.Package.IncludedImages > 0 {
		return strconv.Itoa(*q.Package.IncludedImages)
	}
	return "as per package"
}
