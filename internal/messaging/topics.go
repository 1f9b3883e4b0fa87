package messaging

// Topic constants for settlement events
const (
	TopicDatums   = "tunapool.datums"   // datum.submitted, datum.confirmed, datum.rejected
	TopicPayments = "tunapool.payments" // payment.sent, payment.paid, payment.reset
)
