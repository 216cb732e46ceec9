package models

import "strings"

// Category is the closed set of document classes the pipeline may assign.
type Category string

const (
	CategoryUnknown         Category = ""
	CategoryTaxReturn       Category = "tax_return"
	CategoryInvoice         Category = "invoice"
	CategoryReceipt         Category = "receipt"
	CategoryPayslip         Category = "payslip"
	CategoryBankStatement   Category = "bank_statement"
	CategoryContract        Category = "contract"
	CategoryBalanceSheet    Category = "balance_sheet"
	CategoryLegalCorrespond Category = "legal_correspondence"
	CategoryOther           Category = "other"
)

var categories = []Category{
	CategoryTaxReturn,
	CategoryInvoice,
	CategoryReceipt,
	CategoryPayslip,
	CategoryBankStatement,
	CategoryContract,
	CategoryBalanceSheet,
	CategoryLegalCorrespond,
	CategoryOther,
}

// ParseCategory maps free-form classifier output onto the closed set.
// Anything unrecognized becomes CategoryOther.
func ParseCategory(s string) Category {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return CategoryUnknown
	}
	for _, c := range categories {
		if string(c) == s {
			return c
		}
	}
	return CategoryOther
}
