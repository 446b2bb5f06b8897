package parser

// Template tables for the six notification families. Each family has gone through
// several wordings over the years; older wordings come first.

const paymentMethodCard = `(?:T\.Cred|T\.Deb|compra afiliada a T\.Cred)`

func purchaseEntry() Entry {
	merchant := `(?P<merchant>` + merchantChars(",-") + `+)`
	dated := `(?: (?P<time>\d{2}:\d{2}). (?P<date>\d{2}/\d{2}/\d{4}))` +
		`(?: (?P<payment_method>` + paymentMethodCard + ` \*\d+))?`
	compraste := `con tu (?P<payment_method>` + paymentMethodCard + ` \**\d+)` +
		`, el (?P<date>\d{2}/\d{2}/\d{4}) a las (?P<time>\d{2}:\d{2})`
	fields := []Field{FieldAmount, FieldMerchant, FieldTime, FieldDate, FieldPaymentMethod}

	return Entry{
		Type:          Purchase,
		CanonicalName: "Compra",
		IsIncome:      false,
		Templates: []Template{
			MustTemplate(`(?i)Compra por (?P<purchase_amount>.*?) en `+merchant+dated, CurrencyUnknown, LayoutDate, fields...),
			MustTemplate(`(?i)Compra por COP(?P<purchase_amount>.*?) en `+merchant+dated, CurrencyCOP, LayoutDate, fields...),
			MustTemplate(`(?i)Compra por USD(?P<purchase_amount>.*?) en `+merchant+dated, CurrencyUSD, LayoutDate, fields...),
			MustTemplate(`(?i)Compraste COP(?P<purchase_amount>.*?) en `+merchant+compraste, CurrencyCOP, LayoutDate, fields...),
			MustTemplate(`(?i)Compraste USD(?P<purchase_amount>.*?) en `+merchant+compraste, CurrencyUSD, LayoutDate, fields...),
		},
	}
}

func withdrawalEntry() Entry {
	fields := []Field{FieldAmount, FieldMerchant, FieldTime, FieldDate, FieldPaymentMethod}
	return Entry{
		Type:          Withdrawal,
		CanonicalName: "Retiro",
		IsIncome:      false,
		Templates: []Template{
			MustTemplate(`(?i)Retiro por (?P<purchase_amount>.*?) en `+
				`(?P<merchant>`+merchantChars("")+`+).`+
				`Hora (?P<time>\d{2}:\d{2}) (?P<date>\d{2}/\d{2}/\d{4})`+
				` (?P<payment_method>T\.Deb \*\d+)`,
				CurrencyUnknown, LayoutDate, fields...),
			// Correspondent withdrawals use a two-digit year and are matched case-sensitively.
			MustTemplate(`Bancolombia informa retiro en `+
				`Corresponsal (?P<merchant>`+merchantChars("")+`+)`+
				` por (?P<purchase_amount>.*?) el (?P<date>\d{2}/\d{2}/\d{2}) `+
				`a las (?P<time>\d{2}:\d{2})\.?(?: \*(?P<payment_method>\d+))?`,
				CurrencyUnknown, LayoutShortDate, fields...),
		},
	}
}

func paymentEntry() Entry {
	merchant := `(?P<merchant>` + merchantChars("-") + `+)`
	return Entry{
		Type:          Payment,
		CanonicalName: "Pago",
		IsIncome:      false,
		Templates: []Template{
			// No date capture: the timestamp that trails this wording is not reliable.
			MustTemplate(`(?i)Pago por (?P<purchase_amount>.*?) a `+merchant+
				` desde producto (?:\*(?P<payment_method>\d+))?`,
				CurrencyUnknown, LayoutDate, FieldAmount, FieldMerchant, FieldPaymentMethod),
			MustTemplate(`(?i)Pagaste (?P<purchase_amount>.*?) a `+merchant+
				` desde tu producto (?:\*(?P<payment_method>\d+)) el `+
				`(?P<datetime>\d{2}/\d{2}/\d{4} \d{2}:\d{2}).`,
				CurrencyUnknown, LayoutDate, FieldAmount, FieldMerchant, FieldPaymentMethod, FieldDateTime),
		},
	}
}

func transferReceptionEntry() Entry {
	merchant := `(?P<merchant>` + merchantChars("-") + `+?)`
	fields := []Field{FieldAmount, FieldMerchant, FieldPaymentMethod, FieldDate, FieldTime}
	return Entry{
		Type:          TransferReception,
		CanonicalName: "recepcion transferencia",
		IsIncome:      true,
		Templates: []Template{
			MustTemplate(`(?i)recepcion transferencia de `+merchant+
				` por (?P<purchase_amount>.*?) en la cuenta \*(?P<payment_method>\d+)\. `+
				`(?P<time>\d{2}:\d{2}) (?P<date>\d{2}/\d{2}/\d{4})`,
				CurrencyUnknown, LayoutDate, fields...),
			MustTemplate(`(?i)recepcion transferencia por (?P<purchase_amount>.*?) de `+merchant+
				` en tu cuenta \*(?P<payment_method>\d+) el `+
				`(?P<date>\d{2}/\d{2}/\d{4}) a las (?P<time>\d{2}:\d{2})`,
				CurrencyUnknown, LayoutDate, fields...),
		},
	}
}

func transferQREntry() Entry {
	merchant := `(?P<merchant>` + merchantChars("-") + `+?)`
	return Entry{
		Type:          TransferQR,
		CanonicalName: "QR",
		IsIncome:      false,
		Templates: []Template{
			MustTemplate(`(?i)Transferencia QR por (?P<purchase_amount>.*?) a `+merchant+
				` desde cta \*(?P<payment_method>\d+)\. `+
				`(?P<time>\d{2}:\d{2}) (?P<date>\d{2}/\d{2}/\d{4})`,
				CurrencyUnknown, LayoutDate,
				FieldAmount, FieldMerchant, FieldPaymentMethod, FieldTime, FieldDate),
			MustTemplate(`(?i)Pagaste con QR (?P<purchase_amount>.*?) a `+merchant+
				` desde tu cuenta \*(?P<payment_method>\d+) el `+
				`(?P<datetime>\d{2}/\d{2}/\d{4} \d{2}:\d{2})`,
				CurrencyUnknown, LayoutDate,
				FieldAmount, FieldMerchant, FieldPaymentMethod, FieldDateTime),
		},
	}
}

func transferEntry() Entry {
	merchant := `(?P<merchant>` + merchantChars("-") + `+?)`
	fields := []Field{FieldAmount, FieldMerchant, FieldPaymentMethod, FieldTime, FieldDate}
	return Entry{
		Type:          Transfer,
		CanonicalName: "Transferencia",
		IsIncome:      false,
		Templates: []Template{
			MustTemplate(`(?i)Transferencia por (?P<purchase_amount>.*?) a `+merchant+
				` desde cta \*(?P<payment_method>\d+)\. `+
				`(?P<time>\d{2}:\d{2}) (?P<date>\d{2}/\d{2}/\d{4})`,
				CurrencyUnknown, LayoutDate, fields...),
			MustTemplate(`(?i)Realizaste una transferencia por (?P<purchase_amount>.*?) a `+merchant+
				` desde tu cuenta \*(?P<payment_method>\d+) el `+
				`(?P<date>\d{2}/\d{2}/\d{4}) a las (?P<time>\d{2}:\d{2})`,
				CurrencyUnknown, LayoutDate, fields...),
		},
	}
}
