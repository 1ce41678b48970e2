// Package i18n holds the English and German message catalogs for workflow issues.
package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Key identifies a catalog message.
type Key string

// Message keys used by the order request rules.
const (
	OrderAtLeastOneLineItem       Key = "order.at_least_one_line_item"
	OrderBudgetApproverMissing    Key = "order.budget_approver_missing"
	OrderBudgetRouteRequired      Key = "order.budget_route_required"
	OrderBudgetApprovalNotNeeded  Key = "order.budget_approval_not_needed"
	OrderPolicyThresholdExceeded  Key = "order.policy_threshold_exceeded"
	OrderPolicyNotAssigned        Key = "order.policy_not_assigned_approver"
	OrderPolicySelfApproval       Key = "order.policy_self_approval"
	OrderPolicyNotAssignedBudget  Key = "order.policy_not_assigned_budget_approver"
	OrderPolicyBudgetSelfApproval Key = "order.policy_budget_self_approval"

	LineParentNotEditable Key = "line.parent_not_editable"
	LineOrderRequired     Key = "line.order_required"
	LineQtyMustBePositive Key = "line.qty_must_be_positive"
	LineUnitPriceNegative Key = "line.unit_price_negative"
	LineUomRequired       Key = "line.uom_required"
	LineUomUnknown        Key = "line.uom_unknown"
	LineDuplicateNameUom  Key = "line.duplicate_name_uom"
	LineDeleteNotAllowed  Key = "line.delete_not_allowed"

	ReceiptParentNotReceiving Key = "receipt.parent_not_receiving"
	ReceiptDateRequired       Key = "receipt.date_required"
	ReceiptQtyMustBePositive  Key = "receipt.qty_must_be_positive"
	ReceiptLineItemMissing    Key = "receipt.line_item_missing"
	ReceiptOverReceive        Key = "receipt.over_receive"

	TypeNameRequired           Key = "type.name_required"
	TypeCodeRequired           Key = "type.code_required"
	TypeStatusInvalid          Key = "type.status_invalid"
	TypeBudgetApproverRequired Key = "type.budget_approver_required"
)

// Column and label keys used by the spreadsheet export.
const (
	ExportRef           Key = "export.ref"
	ExportTitle         Key = "export.title"
	ExportStatus        Key = "export.status"
	ExportCostCenter    Key = "export.cost_center"
	ExportTotal         Key = "export.total"
	ExportLineNumber    Key = "export.line_number"
	ExportName          Key = "export.name"
	ExportVendorSKU     Key = "export.vendor_sku"
	ExportQuantity      Key = "export.quantity"
	ExportUoM           Key = "export.uom"
	ExportUnitPrice     Key = "export.unit_price"
	ExportLineTotal     Key = "export.line_total"
	ExportReceived      Key = "export.received"
	ExportOpen          Key = "export.open"
	ExportReceiptStatus Key = "export.receipt_status"
)

var english = map[Key]string{
	OrderAtLeastOneLineItem:       "Please add at least one line item before submitting.",
	OrderBudgetApproverMissing:    "A budget approver must be set before budget approval can be requested.",
	OrderBudgetRouteRequired:      "This request type requires budget owner approval; request budget approval instead.",
	OrderBudgetApprovalNotNeeded:  "This request does not require budget owner approval.",
	OrderPolicyThresholdExceeded:  "Estimated total cost reaches the budget threshold of %d; budget owner approval is required.",
	OrderPolicyNotAssigned:        "Only the assigned technical approver may approve this request.",
	OrderPolicySelfApproval:       "The requester may not approve their own request.",
	OrderPolicyNotAssignedBudget:  "Only the assigned budget approver may approve the budget of this request.",
	OrderPolicyBudgetSelfApproval: "The requester may not give budget approval for their own request.",

	LineParentNotEditable: `This line item cannot be modified because the related Order Request is no longer in "draft" status.`,
	LineOrderRequired:     "The line item must belong to an order request.",
	LineQtyMustBePositive: "Quantity must be greater than 0.",
	LineUnitPriceNegative: "Estimated unit price cannot be negative.",
	LineUomRequired:       "Unit of measure is required.",
	LineUomUnknown:        "Unit of measure %q is not supported.",
	LineDuplicateNameUom:  "There is already a line with the same name and unit.",
	LineDeleteNotAllowed:  "Line items can only be deleted while the order request is draft, closed or rejected.",

	ReceiptParentNotReceiving: `Receipts can only be recorded or removed while the order request is in "receiving" status.`,
	ReceiptDateRequired:       "Receipt date is required.",
	ReceiptQtyMustBePositive:  "Received quantity must be greater than 0.",
	ReceiptLineItemMissing:    "The receipt must reference an existing line item.",
	ReceiptOverReceive:        "Total received quantity %d would exceed the ordered quantity %d.",

	TypeNameRequired:           "Name is required.",
	TypeCodeRequired:           "Code is required.",
	TypeStatusInvalid:          "Status must be active or inactive.",
	TypeBudgetApproverRequired: "A budget approver is required when budget owner approval is required.",

	ExportRef:           "Reference",
	ExportTitle:         "Title",
	ExportStatus:        "Status",
	ExportCostCenter:    "Cost center",
	ExportTotal:         "Estimated total",
	ExportLineNumber:    "No.",
	ExportName:          "Name",
	ExportVendorSKU:     "Vendor SKU",
	ExportQuantity:      "Quantity",
	ExportUoM:           "Unit",
	ExportUnitPrice:     "Unit price",
	ExportLineTotal:     "Line total",
	ExportReceived:      "Received",
	ExportOpen:          "Open",
	ExportReceiptStatus: "Receipt status",
}

var german = map[Key]string{
	OrderAtLeastOneLineItem:       "Bitte vor dem Absenden mindestens eine Position hinzufügen.",
	OrderBudgetApproverMissing:    "Vor der Budgetfreigabe muss ein Budgetverantwortlicher gesetzt sein.",
	OrderBudgetRouteRequired:      "Dieser Anforderungstyp erfordert eine Budgetfreigabe; bitte Budgetfreigabe anfordern.",
	OrderBudgetApprovalNotNeeded:  "Diese Anforderung benötigt keine Budgetfreigabe.",
	OrderPolicyThresholdExceeded:  "Die geschätzten Gesamtkosten erreichen die Budgetschwelle von %d; eine Budgetfreigabe ist erforderlich.",
	OrderPolicyNotAssigned:        "Nur der zugewiesene technische Genehmiger darf diese Anforderung freigeben.",
	OrderPolicySelfApproval:       "Der Anforderer darf die eigene Anforderung nicht freigeben.",
	OrderPolicyNotAssignedBudget:  "Nur der zugewiesene Budgetverantwortliche darf das Budget freigeben.",
	OrderPolicyBudgetSelfApproval: "Der Anforderer darf das Budget der eigenen Anforderung nicht freigeben.",

	LineParentNotEditable: `Diese Position kann nicht geändert werden, da die zugehörige BANF nicht mehr im Status "Entwurf" ist.`,
	LineOrderRequired:     "Die Position muss zu einer BANF gehören.",
	LineQtyMustBePositive: "Die Menge muss größer als 0 sein.",
	LineUnitPriceNegative: "Der geschätzte Einzelpreis darf nicht negativ sein.",
	LineUomRequired:       "Die Mengeneinheit ist ein Pflichtfeld.",
	LineUomUnknown:        "Die Mengeneinheit %q wird nicht unterstützt.",
	LineDuplicateNameUom:  "Es existiert bereits eine Position mit gleichem Namen und gleicher Einheit.",
	LineDeleteNotAllowed:  "Positionen können nur im Status Entwurf, Geschlossen oder Abgelehnt gelöscht werden.",

	ReceiptParentNotReceiving: `Wareneingänge können nur im Status "Wareneingang" erfasst oder entfernt werden.`,
	ReceiptDateRequired:       "Das Eingangsdatum ist ein Pflichtfeld.",
	ReceiptQtyMustBePositive:  "Die gelieferte Menge muss größer als 0 sein.",
	ReceiptLineItemMissing:    "Der Wareneingang muss auf eine vorhandene Position verweisen.",
	ReceiptOverReceive:        "Die gelieferte Gesamtmenge %d würde die bestellte Menge %d überschreiten.",

	TypeNameRequired:           "Der Name ist ein Pflichtfeld.",
	TypeCodeRequired:           "Der Code ist ein Pflichtfeld.",
	TypeStatusInvalid:          "Der Status muss aktiv oder inaktiv sein.",
	TypeBudgetApproverRequired: "Wenn eine Budgetfreigabe erforderlich ist, muss ein Budgetverantwortlicher gesetzt sein.",

	ExportRef:           "Referenz",
	ExportTitle:         "Titel",
	ExportStatus:        "Status",
	ExportCostCenter:    "Kostenstelle",
	ExportTotal:         "Geschätzte Gesamtkosten",
	ExportLineNumber:    "Pos.",
	ExportName:          "Bezeichnung",
	ExportVendorSKU:     "Lieferanten-Artikelnr.",
	ExportQuantity:      "Menge",
	ExportUoM:           "Einheit",
	ExportUnitPrice:     "Einzelpreis",
	ExportLineTotal:     "Positionssumme",
	ExportReceived:      "Geliefert",
	ExportOpen:          "Offen",
	ExportReceiptStatus: "Lieferstatus",
}

var (
	supported = []language.Tag{language.English, language.German}
	matcher   = language.NewMatcher(supported)
	messages  = buildCatalog()
)

func buildCatalog() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for key, msg := range english {
		_ = b.SetString(language.English, string(key), msg)
	}
	for key, msg := range german {
		_ = b.SetString(language.German, string(key), msg)
	}
	return b
}

// Negotiate picks the best supported language for an Accept-Language header.
func Negotiate(acceptLanguage string) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return language.English
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return language.English
	}
	return supported[idx]
}

// Translate renders key in the given language.
func Translate(tag language.Tag, key Key, args ...any) string {
	p := message.NewPrinter(tag, message.Catalog(messages))
	return p.Sprintf(string(key), args...)
}

// English renders key in English.
func English(key Key, args ...any) string {
	return Translate(language.English, key, args...)
}
