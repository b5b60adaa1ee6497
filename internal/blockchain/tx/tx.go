// Package tx implements the four transaction kinds this ledger accepts —
// post, endorse, transfer and coinbase — as a tagged union, content-addressed
// by the canonical encoding of the transaction with its signature omitted.
package tx

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/postchain/postchain/internal/blockchain/crypto"
)

// Kind identifies which of the four transaction variants a Tx carries.
type Kind string

// The four transaction kinds this ledger knows about.
const (
	KindPost     Kind = "post"
	KindEndorse  Kind = "endorse"
	KindTransfer Kind = "transfer"
	KindCoinbase Kind = "coinbase"
)

// Length limits on user-supplied text, counted in Unicode scalar values
// (runes), not bytes.
const (
	MaxPostBodyLen    = 300
	MaxEndorseMsgLen  = 150
)

// ErrMalformed is returned when a Tx's kind and populated payload pointer
// disagree, or a required field is missing.
var ErrMalformed = errors.New("tx: malformed transaction")

// =============================================================================

// PostBody is the content of a post transaction hashed and signed. It
// excludes the signature itself: signing and content-addressing both
// operate over this struct, never over Post as a whole.
type PostBody struct {
	Author    crypto.PublicKey `canon:"author"`
	Nonce     uint64           `canon:"nonce"`
	Timestamp uint64           `canon:"timestamp"`
	Body      string           `canon:"body"`
	ReplyTo   *crypto.Hash     `canon:"reply_to"`
	GasFee    uint64           `canon:"gas_fee"`
}

// Post is a signed short message, optionally replying to a confirmed post.
type Post struct {
	PostBody
	Signature crypto.Signature `canon:"signature"`
}

// EndorseBody is the content of an endorsement transaction hashed and
// signed.
type EndorseBody struct {
	Author  crypto.PublicKey `canon:"author"`
	Nonce   uint64           `canon:"nonce"`
	Target  crypto.Hash      `canon:"target"`
	Amount  uint64           `canon:"amount"`
	Message string           `canon:"message"`
	GasFee  uint64           `canon:"gas_fee"`
}

// Endorse is a signed reference to a confirmed post, optionally tipping its
// author.
type Endorse struct {
	EndorseBody
	Signature crypto.Signature `canon:"signature"`
}

// TransferBody is the content of a value transfer hashed and signed.
type TransferBody struct {
	Sender    crypto.PublicKey `canon:"sender"`
	Recipient crypto.PublicKey `canon:"recipient"`
	Amount    uint64           `canon:"amount"`
	Nonce     uint64           `canon:"nonce"`
	GasFee    uint64           `canon:"gas_fee"`
}

// Transfer is a signed movement of balance between two accounts.
type Transfer struct {
	TransferBody
	Signature crypto.Signature `canon:"signature"`
}

// Coinbase is the unsigned block-reward transaction minted by a miner. It
// carries no signature and is disambiguated from every other coinbase by
// its Height.
type Coinbase struct {
	Recipient crypto.PublicKey `canon:"recipient"`
	Amount    uint64           `canon:"amount"`
	Height    uint64           `canon:"height"`
}

// =============================================================================

// Tx is a tagged union over the four transaction kinds. Exactly one of
// Post, Endorse, Transfer, Coinbase is non-nil, matching Kind.
type Tx struct {
	Kind     Kind
	Post     *Post
	Endorse  *Endorse
	Transfer *Transfer
	Coinbase *Coinbase
}

// NewPost wraps p as a Tx.
func NewPost(p Post) Tx { return Tx{Kind: KindPost, Post: &p} }

// NewEndorse wraps e as a Tx.
func NewEndorse(e Endorse) Tx { return Tx{Kind: KindEndorse, Endorse: &e} }

// NewTransfer wraps t as a Tx.
func NewTransfer(t Transfer) Tx { return Tx{Kind: KindTransfer, Transfer: &t} }

// NewCoinbase wraps c as a Tx.
func NewCoinbase(c Coinbase) Tx { return Tx{Kind: KindCoinbase, Coinbase: &c} }

// CheckShape reports whether t's Kind and populated payload pointer agree:
// exactly one of Post/Endorse/Transfer/Coinbase is non-nil, and it is the
// one Kind names. Callers that take a Tx from the wire (canon.Decode
// leaves an absent field at its Go zero value, i.e. a nil pointer) must
// call this before ContentHash/Hash/Sign/VerifySignature, none of which
// re-check it cheaply enough to be relied on as validation.
func (t Tx) CheckShape() error {
	return t.checkShape()
}

// checkShape verifies exactly the payload pointer matching Kind is set.
func (t Tx) checkShape() error {
	set := 0
	if t.Post != nil {
		set++
	}
	if t.Endorse != nil {
		set++
	}
	if t.Transfer != nil {
		set++
	}
	if t.Coinbase != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one payload must be set, got %d", ErrMalformed, set)
	}

	switch t.Kind {
	case KindPost:
		if t.Post == nil {
			return fmt.Errorf("%w: kind post without Post payload", ErrMalformed)
		}
	case KindEndorse:
		if t.Endorse == nil {
			return fmt.Errorf("%w: kind endorse without Endorse payload", ErrMalformed)
		}
	case KindTransfer:
		if t.Transfer == nil {
			return fmt.Errorf("%w: kind transfer without Transfer payload", ErrMalformed)
		}
	case KindCoinbase:
		if t.Coinbase == nil {
			return fmt.Errorf("%w: kind coinbase without Coinbase payload", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, t.Kind)
	}
	return nil
}

// ContentHash returns the transaction's content hash: SHA-256 of the
// canonical encoding of the transaction with its signature field omitted
// (or, for a coinbase, of the whole unsigned struct).
func (t Tx) ContentHash() (crypto.Hash, error) {
	if err := t.checkShape(); err != nil {
		return crypto.Hash{}, err
	}

	switch t.Kind {
	case KindPost:
		return crypto.HashValue(t.Post.PostBody)
	case KindEndorse:
		return crypto.HashValue(t.Endorse.EndorseBody)
	case KindTransfer:
		return crypto.HashValue(t.Transfer.TransferBody)
	case KindCoinbase:
		return crypto.HashValue(*t.Coinbase)
	default:
		return crypto.Hash{}, fmt.Errorf("%w: unknown kind %q", ErrMalformed, t.Kind)
	}
}

// Hash satisfies merkle.Hashable. The content hash of a well-formed,
// already-validated transaction cannot fail to compute, so this panics on
// error rather than returning one.
func (t Tx) Hash() crypto.Hash {
	h, err := t.ContentHash()
	if err != nil {
		panic(err)
	}
	return h
}

// Equals satisfies merkle.Hashable: two transactions are the same leaf if
// they share a content hash.
func (t Tx) Equals(other Tx) bool {
	h1, err1 := t.ContentHash()
	h2, err2 := other.ContentHash()
	return err1 == nil && err2 == nil && h1 == h2
}

// Sign signs the transaction's content with kp and stores the resulting
// signature. Coinbase transactions cannot be signed.
func (t *Tx) Sign(kp crypto.KeyPair) error {
	switch t.Kind {
	case KindPost:
		sig, err := kp.Sign(t.Post.PostBody)
		if err != nil {
			return err
		}
		t.Post.Signature = sig
	case KindEndorse:
		sig, err := kp.Sign(t.Endorse.EndorseBody)
		if err != nil {
			return err
		}
		t.Endorse.Signature = sig
	case KindTransfer:
		sig, err := kp.Sign(t.Transfer.TransferBody)
		if err != nil {
			return err
		}
		t.Transfer.Signature = sig
	case KindCoinbase:
		return fmt.Errorf("tx: coinbase transactions are not signed")
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, t.Kind)
	}
	return nil
}

// VerifySignature reports whether the transaction's stored signature
// verifies against its claimed author/sender. Coinbase transactions carry
// no signature and always report true here; callers must still check
// coinbase invariants separately.
func (t Tx) VerifySignature() (bool, error) {
	if err := t.checkShape(); err != nil {
		return false, err
	}

	switch t.Kind {
	case KindPost:
		return crypto.Verify(t.Post.Author, t.Post.PostBody, t.Post.Signature)
	case KindEndorse:
		return crypto.Verify(t.Endorse.Author, t.Endorse.EndorseBody, t.Endorse.Signature)
	case KindTransfer:
		return crypto.Verify(t.Transfer.Sender, t.Transfer.TransferBody, t.Transfer.Signature)
	case KindCoinbase:
		return true, nil
	default:
		return false, fmt.Errorf("%w: unknown kind %q", ErrMalformed, t.Kind)
	}
}

// Signer returns the public key whose balance and nonce this transaction
// debits: author for post/endorse, sender for transfer. Coinbase has no
// signer and returns the zero key.
func (t Tx) Signer() crypto.PublicKey {
	switch t.Kind {
	case KindPost:
		return t.Post.Author
	case KindEndorse:
		return t.Endorse.Author
	case KindTransfer:
		return t.Transfer.Sender
	default:
		return crypto.PublicKey{}
	}
}

// Nonce returns the signer's claimed account nonce. Coinbase has none and
// returns 0.
func (t Tx) Nonce() uint64 {
	switch t.Kind {
	case KindPost:
		return t.Post.Nonce
	case KindEndorse:
		return t.Endorse.Nonce
	case KindTransfer:
		return t.Transfer.Nonce
	default:
		return 0
	}
}

// GasFee returns the fee this transaction pays its including block's
// miner. Coinbase pays no fee.
func (t Tx) GasFee() uint64 {
	switch t.Kind {
	case KindPost:
		return t.Post.GasFee
	case KindEndorse:
		return t.Endorse.GasFee
	case KindTransfer:
		return t.Transfer.GasFee
	default:
		return 0
	}
}

// TotalDebit returns the total amount this transaction deducts from its
// signer's balance: gas_fee alone for a post, gas_fee+amount for endorse
// and transfer.
func (t Tx) TotalDebit() uint64 {
	switch t.Kind {
	case KindPost:
		return t.Post.GasFee
	case KindEndorse:
		return t.Endorse.GasFee + t.Endorse.Amount
	case KindTransfer:
		return t.Transfer.GasFee + t.Transfer.Amount
	default:
		return 0
	}
}

// BodyRuneLen reports the Unicode scalar value length of a post's body,
// used to enforce MaxPostBodyLen.
func (p PostBody) BodyRuneLen() int {
	return utf8.RuneCountInString(p.Body)
}

// MessageRuneLen reports the Unicode scalar value length of an
// endorsement's message, used to enforce MaxEndorseMsgLen.
func (e EndorseBody) MessageRuneLen() int {
	return utf8.RuneCountInString(e.Message)
}
