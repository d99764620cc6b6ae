package baseline

// embeddedSeed 默认密钥种子，可被 baseline.key_seed 覆盖
// TODO: 构建时通过 -ldflags -X 注入每个发布版本不同的种子
var embeddedSeed = "c2f1a7e0-raspguard-baseline-seed"
