package solver

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureType selects the signing domain the router verifies against.
type SignatureType uint8

const (
	// SignatureTypeMakePayment scopes payment proofs.
	SignatureTypeMakePayment SignatureType = 1
	// SignatureTypeVerifyingContract scopes commitments checked by the
	// on-chain verifier.
	SignatureTypeVerifyingContract SignatureType = 2
)

var (
	bytes32T, _  = abi.NewType("bytes32", "", nil)
	bytesT, _    = abi.NewType("bytes", "", nil)
	uint256T, _  = abi.NewType("uint256", "", nil)
	b32SliceT, _ = abi.NewType("bytes32[]", "", nil)

	commitInfoArgs = abi.Arguments{
		{Type: bytes32T}, // pmmId
		{Type: bytesT},   // pmmRecvAddress
		{Type: bytesT},   // toChainNetworkId
		{Type: bytesT},   // toChainToken
		{Type: uint256T}, // amountOut
		{Type: uint256T}, // deadline
	}

	makePaymentArgs = abi.Arguments{
		{Type: b32SliceT}, // tradeIds
		{Type: uint256T},  // signedAt
		{Type: uint256T},  // startIndex
		{Type: bytesT},    // paymentTxId
	}
)

// CommitInfoHash computes the commitment hash the router's verifier checks
// when a PMM binds itself to a trade.
func CommitInfoHash(pmmID [32]byte, pmmRecvAddress, toChainNetworkID, toChainToken []byte, amountOut *big.Int, deadline int64) ([32]byte, error) {
	packed, err := commitInfoArgs.Pack(
		pmmID,
		pmmRecvAddress,
		toChainNetworkID,
		toChainToken,
		amountOut,
		big.NewInt(deadline),
	)
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to pack commit info: %w", err)
	}
	var h [32]byte
	copy(h[:], crypto.Keccak256(packed))
	return h, nil
}

// MakePaymentHash computes the payment-proof hash submitted with a
// settlement transaction.
func MakePaymentHash(tradeIDs [][32]byte, signedAt, startIndex int64, paymentTxID []byte) ([32]byte, error) {
	packed, err := makePaymentArgs.Pack(
		tradeIDs,
		big.NewInt(signedAt),
		big.NewInt(startIndex),
		paymentTxID,
	)
	if err != nil {
		return [32]byte{}, fmt.Errorf("failed to pack payment info: %w", err)
	}
	var h [32]byte
	copy(h[:], crypto.Keccak256(packed))
	return h, nil
}

// Domain scopes signatures to one router deployment.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract common.Address
}

var domainTypeHash = crypto.Keccak256(
	[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
)

// separator derives the domain separator for a signature type. MakePayment
// signatures scope to the domain name alone; VerifyingContract signatures
// additionally bind the router contract address.
func (d Domain) separator(sigType SignatureType) [32]byte {
	contract := common.Address{}
	if sigType == SignatureTypeVerifyingContract {
		contract = d.VerifyingContract
	}
	var buf []byte
	buf = append(buf, domainTypeHash...)
	buf = append(buf, crypto.Keccak256([]byte(d.Name))...)
	buf = append(buf, crypto.Keccak256([]byte(d.Version))...)
	buf = append(buf, common.LeftPadBytes(big.NewInt(d.ChainID).Bytes(), 32)...)
	buf = append(buf, common.LeftPadBytes(contract.Bytes(), 32)...)

	var sep [32]byte
	copy(sep[:], crypto.Keccak256(buf))
	return sep
}

// Signer produces domain-scoped signatures with the operator key.
type Signer struct {
	key    *ecdsa.PrivateKey
	domain Domain
}

// NewSigner binds the operator key to a router domain.
func NewSigner(key *ecdsa.PrivateKey, domain Domain) *Signer {
	return &Signer{key: key, domain: domain}
}

// Address returns the signing address the router expects.
func (s *Signer) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// Sign produces a 65-byte signature over the struct hash under the given
// signature type's domain. V is normalized to 27/28.
func (s *Signer) Sign(sigType SignatureType, structHash [32]byte) ([]byte, error) {
	sep := s.domain.separator(sigType)

	var msg []byte
	msg = append(msg, 0x19, 0x01)
	msg = append(msg, sep[:]...)
	msg = append(msg, structHash[:]...)
	digest := crypto.Keccak256(msg)

	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}
