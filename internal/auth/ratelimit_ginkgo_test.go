package auth

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("RateLimiter", func() {
	var (
		db  *sql.DB
		rl  *RateLimiter
	)

	BeforeEach(func() {
		var err error
		db, err = sql.Open("sqlite3", ":memory:")
		Expect(err).NotTo(HaveOccurred())
		_, err = db.Exec(`CREATE TABLE failed_logins (
			ip TEXT PRIMARY KEY, count INTEGER NOT NULL, first_attempt DATETIME NOT NULL,
			last_attempt DATETIME NOT NULL, blocked_until DATETIME)`)
		Expect(err).NotTo(HaveOccurred())
		rl = NewRateLimiter(db)
	})

	AfterEach(func() {
		db.Close()
	})

	It("allows a never-seen IP", func() {
		allowed, _ := rl.Check("10.0.0.1")
		Expect(allowed).To(BeTrue())
	})

	It("blocks immediately after the 10th failure", func() {
		ip := "10.0.0.2"
		for i := 0; i < blockAtAttempt; i++ {
			Expect(rl.RecordFailure(ip)).To(Succeed())
		}
		allowed, retryAfter := rl.Check(ip)
		Expect(allowed).To(BeFalse())
		Expect(retryAfter).To(BeNumerically(">", 0))
	})

	It("clears history on RecordSuccess", func() {
		ip := "10.0.0.3"
		Expect(rl.RecordFailure(ip)).To(Succeed())
		Expect(rl.RecordSuccess(ip)).To(Succeed())
		_, ok := rl.load(ip)
		Expect(ok).To(BeFalse())
	})

	It("trips the global lockout after 50 recent failures across IPs", func() {
		for i := 0; i < globalLockoutCount; i++ {
			Expect(rl.RecordFailure("10.1.0.1")).To(Succeed())
		}
		allowed, retryAfter := rl.Check("10.1.0.99")
		Expect(allowed).To(BeFalse())
		Expect(retryAfter).To(Equal(globalLockoutWindow))
	})
})
