// Package model defines the x402 wire types and the error taxonomy.
//
// # Payment requirements
//
// A merchant publishes PaymentRequirements. The amount is a decimal string in
// token units ("100" JPYC), never base units:
//
//	req := model.PaymentRequirements{
//		Scheme:            model.SchemeExact,
//		Network:           "polygon",
//		MaxAmountRequired: "100",
//		PayTo:             "0x...",
//		Asset:             "0xE7C3D8C9a439feDe00D2600032D5dB0Be71C3c29",
//		MaxTimeoutSeconds: 300,
//		Extra:             model.Extra{Name: "JPY Coin", Version: "1"},
//	}
//
// # Extra
//
// Extra is a tagged union over the simple-payment and subscription variants.
// Name and Version feed the EIP-712 domain of the token. Unknown keys survive a
// decode/encode cycle through Extra.Other.
//
// # Payloads
//
// PaymentPayload is what the payer sends back, conceptually the X-PAYMENT
// header value:
//
//	{
//	  "x402Version": 1,
//	  "scheme": "exact",
//	  "network": "polygon",
//	  "payload": {
//	    "signature": "0x...",
//	    "authorization": {"from": "0x...", "to": "0x...", "value": "100000000000000000000",
//	      "validAfter": "1700000000", "validBefore": "1700000360", "nonce": "0x..."}
//	  }
//	}
//
// Payloads signed through the personal_sign fallback carry
// "signatureScheme": "personal_sign" and must not be executed.
//
// # Errors
//
// Every failure returned by the SDK is an *Error with a Kind. Branch with
// errors.Is against the sentinels:
//
//	switch {
//	case errors.Is(err, model.ErrUserRejected):
//		// user declined, do not prompt again
//	case errors.Is(err, model.ErrInsufficientFunds):
//		// offer a funding path
//	case model.Retryable(err):
//		// offer retry
//	}
package model
