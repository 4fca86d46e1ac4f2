package auth

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("ValidatePassword", func() {
	It("rejects passwords shorter than 8 characters", func() {
		Expect(ValidatePassword("a1!")).NotTo(Succeed())
	})

	It("rejects passwords missing a digit", func() {
		Expect(ValidatePassword("abcdefgh!")).NotTo(Succeed())
	})

	It("rejects passwords missing a letter", func() {
		Expect(ValidatePassword("12345678!")).NotTo(Succeed())
	})

	It("rejects passwords missing a symbol", func() {
		Expect(ValidatePassword("abcdefg1")).NotTo(Succeed())
	})

	It("accepts a password meeting every rule", func() {
		Expect(ValidatePassword("abcdefg1!")).To(Succeed())
	})
})
